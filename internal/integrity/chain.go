// Package integrity makes undetected retroactive edits to the audit log
// computationally infeasible. Each record's content hash is chained to the
// previous record's chain hash and signed, so a single edit breaks the chain
// from that point forward.
package integrity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"go.opentelemetry.io/otel"
)

// GenesisChainHash is the previous-chain-hash input for the first record of
// a chain.
const GenesisChainHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Stamp is the integrity metadata attached to a stored record.
type Stamp struct {
	ContentHash string `json:"contentHash"`
	ChainHash   string `json:"chainHash"`
	Signature   string `json:"signature"`
}

// Report is the structured outcome of verifying one record. Tampering is a
// finding, not an error: callers always get a report.
type Report struct {
	HashValid      bool   `json:"hash_valid"`
	ChainValid     bool   `json:"chain_valid"`
	SignatureValid bool   `json:"signature_valid"`
	TamperDetected bool   `json:"tamper_detected"`
	Reason         string `json:"reason,omitempty"`
}

// ChainReport is the outcome of walking a sequence of records.
type ChainReport struct {
	OK               bool   `json:"ok"`
	Checked          int    `json:"checked"`
	FirstBrokenIndex int    `json:"first_broken_index"` // -1 when intact
	ContinuityProven bool   `json:"continuity_proven"`
	Reason           string `json:"reason,omitempty"`
}

// Entry pairs a record's hashable content with its stored integrity metadata.
// Content must be the record with the integrity field excluded.
type Entry struct {
	Sequence int64
	Content  any
	Stamp    Stamp
}

// Chain computes and verifies integrity stamps.
type Chain struct {
	signer *Signer
}

// NewChain builds a Chain around the given signer. The signer is required;
// stamping never falls back to unsigned records.
func NewChain(signer *Signer) (*Chain, error) {
	if signer == nil {
		return nil, ErrNoSigningKey
	}
	return &Chain{signer: signer}, nil
}

// ContentHash digests the canonical serialization of content.
func ContentHash(content any) (string, error) {
	payload, err := CanonicalJSON(content)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// chainHash links a content hash to the previous record's chain hash.
func chainHash(contentHash, prevChainHash string) string {
	sum := sha256.Sum256([]byte(contentHash + prevChainHash))
	return hex.EncodeToString(sum[:])
}

// Stamp computes the integrity metadata for content given the previous
// record's chain hash. Any failure aborts the whole append: no
// partial-integrity records are ever produced.
func (c *Chain) Stamp(content any, prevChainHash string) (Stamp, error) {
	if prevChainHash == "" {
		prevChainHash = GenesisChainHash
	}
	contentHash, err := ContentHash(content)
	if err != nil {
		return Stamp{}, err
	}
	signature, err := c.signer.Sign(contentHash)
	if err != nil {
		return Stamp{}, fmt.Errorf("integrity: sign: %w", err)
	}
	return Stamp{
		ContentHash: contentHash,
		ChainHash:   chainHash(contentHash, prevChainHash),
		Signature:   signature,
	}, nil
}

// Verify recomputes the stamp from the record's current content and compares
// against the stored one. A content hash mismatch signals content tampering;
// a chain hash mismatch with a valid content hash signals chain splice (a
// record was deleted, reordered, or inserted outside the append path).
func (c *Chain) Verify(content any, stored Stamp, prevChainHash string) Report {
	if prevChainHash == "" {
		prevChainHash = GenesisChainHash
	}

	report := Report{}
	contentHash, err := ContentHash(content)
	if err != nil {
		report.TamperDetected = true
		report.Reason = fmt.Sprintf("content not hashable: %v", err)
		return report
	}

	report.HashValid = contentHash == stored.ContentHash
	report.ChainValid = chainHash(stored.ContentHash, prevChainHash) == stored.ChainHash
	report.SignatureValid = c.signer.VerifySignature(stored.ContentHash, stored.Signature)
	report.TamperDetected = !(report.HashValid && report.ChainValid && report.SignatureValid)

	switch {
	case !report.HashValid:
		report.Reason = "content hash mismatch: record fields were modified"
	case !report.ChainValid:
		report.Reason = "chain hash mismatch: record deleted, reordered, or inserted out of band"
	case !report.SignatureValid:
		report.Reason = "signature invalid"
	}
	return report
}

// VerifyChain walks entries in append order, feeding each stored chain hash
// as the previous-hash input to the next, and reports the earliest point of
// divergence. Runs in O(n) and honors ctx cancellation.
//
// Wherever a sequence gap appears, the entry after the gap has no previous
// hash to link against: it is checked for content and signature integrity
// only, and the report carries ContinuityProven=false. Retention causes
// such gaps legally, at the head of the window and, for policies filtered
// by framework or event type, in the middle of it. Retained records
// therefore keep validating pairwise after a purge; only continuity across
// the purged stretch is no longer provable.
func (c *Chain) VerifyChain(ctx context.Context, entries []Entry) (ChainReport, error) {
	_, span := otel.Tracer("veritas/integrity").Start(ctx, "VerifyChain")
	defer span.End()

	report := ChainReport{OK: true, FirstBrokenIndex: -1, ContinuityProven: true}
	if len(entries) == 0 {
		return report, nil
	}

	prev := GenesisChainHash
	if entries[0].Sequence != 1 {
		report.ContinuityProven = false
		report.Reason = fmt.Sprintf(
			"window starts at sequence %d: continuity with purged records before the window is not provable",
			entries[0].Sequence)
	}

	for i, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		detached := i == 0 && entry.Sequence != 1
		if i > 0 && entry.Sequence != entries[i-1].Sequence+1 {
			// Records between the previous entry and this one were purged;
			// the link across the gap cannot be recomputed.
			detached = true
			report.ContinuityProven = false
			if report.Reason == "" {
				report.Reason = fmt.Sprintf(
					"records purged between sequences %d and %d: continuity across the gap is not provable",
					entries[i-1].Sequence, entry.Sequence)
			}
		}

		var rec Report
		if detached {
			rec = c.VerifyDetached(entry.Content, entry.Stamp)
		} else {
			rec = c.Verify(entry.Content, entry.Stamp, prev)
		}

		if rec.TamperDetected {
			report.OK = false
			report.FirstBrokenIndex = i
			report.Reason = rec.Reason
			report.Checked = i + 1
			return report, nil
		}
		prev = entry.Stamp.ChainHash
		report.Checked = i + 1
	}
	return report, nil
}

// VerifyDetached checks content and signature integrity without a chain-link
// check, for records whose predecessor has been purged by retention. The
// chain link is reported valid-by-assumption; callers surface the continuity
// gap separately.
func (c *Chain) VerifyDetached(content any, stored Stamp) Report {
	report := Report{ChainValid: true}
	contentHash, err := ContentHash(content)
	if err != nil {
		report.TamperDetected = true
		report.Reason = fmt.Sprintf("content not hashable: %v", err)
		return report
	}
	report.HashValid = contentHash == stored.ContentHash
	report.SignatureValid = c.signer.VerifySignature(stored.ContentHash, stored.Signature)
	report.TamperDetected = !(report.HashValid && report.SignatureValid)
	if !report.HashValid {
		report.Reason = "content hash mismatch: record fields were modified"
	} else if !report.SignatureValid {
		report.Reason = "signature invalid"
	}
	return report
}
