// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package entry

import "errors"

var (
	// ErrUnknownTag is returned when parsing a tag name that does not exist.
	ErrUnknownTag = errors.New("unknown tag")

	// ErrInvalidEntry is returned by Encode when an entry has fields its tag
	// cannot represent. Such entries would not survive a round trip.
	ErrInvalidEntry = errors.New("invalid entry")

	// ErrEntryTooLarge is returned when an encoded record would exceed the
	// 16-bit length field.
	ErrEntryTooLarge = errors.New("entry too large")

	// ErrBadMagic is returned when a trace header does not start with MTRC.
	ErrBadMagic = errors.New("bad trace magic")
)
