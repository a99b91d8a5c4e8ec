package audit

import (
	"encoding/json"
	"fmt"

	"github.com/ppiankov/changegate/internal/model"
)

// VerifyResult is the outcome of walking an event log's hash chain.
type VerifyResult struct {
	Valid     bool   `json:"valid"`
	Lines     int    `json:"lines"`
	LastHash  string `json:"last_hash,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorLine int    `json:"error_line,omitempty"`
}

// Verify checks that every event's prev_hash is the hash of the line before
// it, starting from GenesisHash. It stops at the first broken link.
func Verify(path string) VerifyResult {
	res := VerifyResult{LastHash: GenesisHash}
	err := scanLines(path, func(n int, line []byte) error {
		var ev model.SecurityEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			res.Error, res.ErrorLine = fmt.Sprintf("parse error: %v", err), n
			return errStop
		}
		if ev.PrevHash != res.LastHash {
			res.Error = fmt.Sprintf("hash mismatch: expected %s, got %s", res.LastHash, ev.PrevHash)
			res.ErrorLine = n
			return errStop
		}
		res.Lines = n
		res.LastHash = HashLine(line)
		return nil
	})
	switch {
	case err != nil:
		return VerifyResult{Error: err.Error()}
	case res.Error != "":
		res.LastHash = ""
		return res
	}
	res.Valid = true
	return res
}
