// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"fmt"

	"github.com/antflydb/captioner/lib/backends"
	"github.com/spf13/cobra"
)

var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "List compute backends for the image encoder",
	Long: `List the registered compute backends, whether each can run on this
machine, and the order used to fall back when the chosen backend is not
available (see --backend-priority).`,
	Args: cobra.NoArgs,
	RunE: runBackends,
}

func init() {
	rootCmd.AddCommand(backendsCmd)
}

func runBackends(cmd *cobra.Command, args []string) error {
	if err := applyBackendPriority(); err != nil {
		return err
	}
	for _, b := range backends.ListRegistered() {
		status := "unavailable"
		if b.Available() {
			status = "available"
		}
		fmt.Printf("%-6s %-14s %s\n", b.Type(), b.Name(), status)
	}
	fmt.Printf("\nFallback order: %v\n", backends.GetPriority())
	if b := backends.GetDefaultBackend(); b != nil {
		fmt.Printf("Default:        %s\n", b.Type())
	}
	return nil
}
