// Copyright 2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package byteorder determines the byte order of the host. The target
// process runs on the same machine, so its memory uses the same order.
package byteorder

import (
	"encoding/binary"
	"sync"
	"unsafe"
)

// Host returns the byte order of the running machine, in lack of a
// binary.HostEndian.
var Host = sync.OnceValue(func() binary.ByteOrder {
	var marker int32 = 0x01020304
	if *(*byte)(unsafe.Pointer(&marker)) == 0x04 {
		return binary.LittleEndian
	}
	return binary.BigEndian
})
