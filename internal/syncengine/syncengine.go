// Package syncengine implements the history-repair protocol:
// building a SYNCHRONIZE_RESPONSE/SUBSCRIPTION_APPROVED body for a
// lagging peer, and applying one received on the lagging side.
package syncengine

import (
	"errors"
	"fmt"

	"sqlcluster/internal/db"
	"sqlcluster/internal/wire"
)

// ErrPeerAhead means the requesting peer's reported commit count
// exceeds ours; we have nothing to offer it.
var ErrPeerAhead = errors.New("syncengine: requesting peer has more data than us")

// ErrHashMismatch means the requesting peer's reported hash at its own
// commit count disagrees with our stored hash there: its history has
// diverged from ours. Fatal for this synchronize attempt.
var ErrHashMismatch = errors.New("syncengine: hash mismatch with requesting peer's reported history")

// maxCommitsPerResponse caps a non-sendAll response (SYNCHRONIZE); the
// sendAll case (SUBSCRIBE) sends everything regardless.
const maxCommitsPerResponse = 100

// BuildResponse computes the delta of committed transactions between
// this engine and a requester, returning a message carrying zero or
// more nested COMMIT sub-frames. target is the caller's chosen ceiling
// (lastSentTransactionID if there are unsent transactions, else
// CommittedCount) so an in-progress leader doesn't offer commits it
// hasn't actually broadcast yet.
func BuildResponse(method string, engine db.Engine, peerCommitCount int64, peerHash string, target int64, sendAll bool) (*wire.Message, error) {
	if peerCommitCount > target {
		return nil, ErrPeerAhead
	}
	if peerCommitCount > 0 {
		ourHash, ok := engine.HashAt(peerCommitCount)
		if !ok || ourHash != peerHash {
			return nil, ErrHashMismatch
		}
	}

	records, err := engine.CommitLog(peerCommitCount, target)
	if err != nil {
		return nil, fmt.Errorf("syncengine: commit log %d..%d: %w", peerCommitCount, target, err)
	}
	if !sendAll && len(records) > maxCommitsPerResponse {
		records = records[:maxCommitsPerResponse]
	}

	var body []byte
	for _, rec := range records {
		body = wire.AppendSubFrame(body, wire.NewSubFrame(rec.ID, rec.Hash, rec.SQL))
	}

	resp := wire.New(method)
	resp.SetInt(wire.HeaderNumCommits, int64(len(records)))
	resp.SetBody(body)
	return resp, nil
}

// ApplyResponse replays every nested COMMIT sub-frame of resp into
// engine, in order, verifying each commit's index and resulting hash.
// Returns the number of commits applied.
func ApplyResponse(engine db.Engine, resp *wire.Message) (int64, error) {
	numCommits, ok := resp.GetInt(wire.HeaderNumCommits)
	if !ok {
		return 0, fmt.Errorf("syncengine: response missing %s", wire.HeaderNumCommits)
	}
	frames, err := wire.SubFrames(resp.Body, int(numCommits))
	if err != nil {
		return 0, fmt.Errorf("syncengine: parse sub-frames: %w", err)
	}

	var applied int64
	for _, frame := range frames {
		wantIndex, ok := frame.GetInt(wire.HeaderCommitIndex)
		if !ok {
			return applied, fmt.Errorf("syncengine: commit sub-frame missing %s", wire.HeaderCommitIndex)
		}
		if wantIndex != engine.CommittedCount()+1 {
			return applied, fmt.Errorf("syncengine: out-of-order commit index %d, expected %d", wantIndex, engine.CommittedCount()+1)
		}
		if len(frame.Body) == 0 {
			return applied, fmt.Errorf("syncengine: commit sub-frame %d has empty body", wantIndex)
		}

		if err := applyOne(engine, frame); err != nil {
			return applied, err
		}

		wantHash := frame.Get(wire.HeaderHash)
		if engine.CommittedHash() != wantHash {
			return applied, fmt.Errorf("syncengine: hash mismatch applying commit %d: got %s want %s", wantIndex, engine.CommittedHash(), wantHash)
		}
		applied++
	}

	if int64(len(frames)) != numCommits {
		return applied, fmt.Errorf("syncengine: expected %d commits, parsed %d", numCommits, len(frames))
	}
	return applied, nil
}

// applyOne runs begin/writeUnmodified/prepare/commit for a single
// COMMIT sub-frame, retrying exactly once if the engine demands a
// checkpoint first.
func applyOne(engine db.Engine, frame *wire.Message) error {
	engine.Lock()
	defer engine.Unlock()
	for attempt := 0; attempt < 2; attempt++ {
		if err := engine.Begin(); err != nil {
			return fmt.Errorf("syncengine: begin: %w", err)
		}
		if err := engine.WriteUnmodified(frame.Body); err != nil {
			engine.Rollback()
			if errors.Is(err, db.ErrCheckpointRequired) && attempt == 0 {
				continue
			}
			return fmt.Errorf("syncengine: write: %w", err)
		}
		if err := engine.Prepare(); err != nil {
			engine.Rollback()
			return fmt.Errorf("syncengine: prepare: %w", err)
		}
		_, _, err := engine.Commit()
		if err == nil {
			return nil
		}
		if errors.Is(err, db.ErrCheckpointRequired) && attempt == 0 {
			engine.Rollback()
			continue
		}
		return fmt.Errorf("syncengine: commit: %w", err)
	}
	return fmt.Errorf("syncengine: commit failed after checkpoint retry")
}
