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

// Command captioner trains and runs image caption models.
//
// Usage:
//
//	captioner pull inceptionv3                 # Download encoder weights
//	captioner extract --images ./Flicker8k     # Precompute image features
//	captioner train --captions Flickr8k.token.txt
//	captioner caption photo.jpg                # Caption an image
//	captioner vocab                            # Inspect a trained vocabulary
package main

import "github.com/antflydb/captioner/cmd/captioner/cmd"

func main() {
	cmd.Execute()
}
