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

package nn

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

const minProb = 1e-12

// SoftmaxCrossEntropy computes the mean categorical cross-entropy between
// softmax(logits) and one-hot labels, together with its gradient with
// respect to logits.
func SoftmaxCrossEntropy(logits *mat.Dense, labels []int) (float64, *mat.Dense) {
	probs := Softmax(logits)
	rows, _ := probs.Dims()
	n := float64(rows)

	var loss float64
	grad := probs
	for i := 0; i < rows; i++ {
		row := grad.RawRowView(i)
		loss -= math.Log(math.Max(row[labels[i]], minProb))
		row[labels[i]] -= 1
		for j := range row {
			row[j] /= n
		}
	}
	return loss / n, grad
}
