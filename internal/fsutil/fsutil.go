/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package fsutil classifies file access failures for the config watcher.
package fsutil

import (
	"errors"
	"io/fs"
)

// IsPermanent reports whether err means the file cannot be read until an
// operator intervenes (permissions), as opposed to a transient condition
// such as the file being absent mid-rewrite.
func IsPermanent(err error) bool {
	return errors.Is(err, fs.ErrPermission)
}
