/*
   Copyright The tar2sqfs Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package tar

import (
	"fmt"
	"strings"
)

// CanonicalizeName normalizes an archive member name to a slash
// separated path relative to the filesystem root: leading separators
// are stripped, "." components and empty components are dropped and
// ".." components resolve against the path itself. Names that escape
// the root or collapse to nothing are rejected.
func CanonicalizeName(name string) (string, error) {
	components := strings.Split(name, "/")
	stack := components[:0]

	for _, comp := range components {
		switch comp {
		case "", ".":
		case "..":
			if len(stack) == 0 {
				return "", fmt.Errorf("%q escapes the archive root: %w", name, ErrHeaderFormat)
			}
			stack = stack[:len(stack)-1]
		default:
			stack = append(stack, comp)
		}
	}

	if len(stack) == 0 {
		return "", fmt.Errorf("%q resolves to an empty name: %w", name, ErrHeaderFormat)
	}
	return strings.Join(stack, "/"), nil
}
