// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ComputeDigest returns the hex SHA-256 digest of the given bytes.
//
// This is an integrity fingerprint, not a security signature: it detects
// corruption and truncation, not tampering by an adversary.
func ComputeDigest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// digestBody serializes the snapshot with the checksum field cleared.
// The digest must not cover itself, so stamping is two-pass: clear,
// digest, set.
func digestBody(s *Snapshot) ([]byte, error) {
	cp := *s
	cp.Checksum = ""
	data, err := json.Marshal(&cp)
	if err != nil {
		return nil, fmt.Errorf("marshal for checksum: %w", err)
	}
	return data, nil
}

// Stamp computes and sets the snapshot's checksum, finalizing it.
//
// Inputs:
//
//	s - The snapshot to finalize. Must not be nil.
//
// Outputs:
//
//	error - Non-nil if the snapshot cannot be serialized.
func Stamp(s *Snapshot) error {
	if s == nil {
		return fmt.Errorf("%w: snapshot must not be nil", ErrInvalidInput)
	}
	body, err := digestBody(s)
	if err != nil {
		return err
	}
	s.Checksum = ComputeDigest(body)
	return nil
}

// Verify recomputes the digest over a copy with the checksum cleared and
// compares it to the stored value.
//
// Description:
//
//	Returns false for a nil snapshot, for a snapshot whose checksum was
//	never stamped (a file expected to be finalized must carry one), and
//	for any mismatch. Verification failure is never fatal by itself; the
//	persistence manager routes it to backup recovery.
//
// Outputs:
//
//	bool - True only when the stored checksum matches the recomputed one.
func Verify(s *Snapshot) bool {
	if s == nil || s.Checksum == "" {
		return false
	}
	body, err := digestBody(s)
	if err != nil {
		return false
	}
	return s.Checksum == ComputeDigest(body)
}
