// Package store provides crash-safe, ACID persistence for Commands and
// AgentLiveness records on top of BoltDB. Every exported method is a single
// bbolt transaction; bbolt serializes all writers against one another, so
// the single-assignment and FIFO invariants fall directly out of the
// store's own transactional guarantees — no additional in-memory locking is
// needed above this package.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/Will-Luck/command-orchestrator/internal/wire"
)

var (
	bucketCommands    = []byte("commands")
	bucketPending     = []byte("pending_index")  // key: createdAt::id -> value: id
	bucketOwner       = []byte("owner_index")    // key: agentId -> value: commandId
	bucketLiveness    = []byte("liveness")
	bucketCompletedBy = []byte("completed_by") // key: commandId -> value: agentId, for idempotent-replay detection
)

// Sentinel errors returned by store operations. The HTTP and orchestrator
// layers translate these into status codes with errors.Is.
var (
	ErrDuplicateID = fmt.Errorf("command id already exists")
	ErrNotFound    = fmt.Errorf("not found")
)

// Store wraps a BoltDB database holding the command and liveness tables.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a BoltDB database at path and ensures all required
// buckets exist. WAL-equivalent crash safety comes from bbolt's own
// mmap+fsync commit protocol: a transaction that returns nil from Update is
// durable on disk before Update returns.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketCommands, bucketPending, bucketOwner, bucketLiveness, bucketCompletedBy} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

// pendingKeyLayout is a fixed-width timestamp layout (nanoseconds always
// written out in full), so that byte order of pending keys is time order.
const pendingKeyLayout = "2006-01-02T15:04:05.000000000Z07:00"

func pendingKey(createdAt time.Time, id string) []byte {
	return []byte(createdAt.UTC().Format(pendingKeyLayout) + "::" + id)
}

func putCommand(b *bolt.Bucket, cmd wire.Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	return b.Put([]byte(cmd.ID), data)
}

func getCommand(b *bolt.Bucket, id string) (wire.Command, bool, error) {
	v := b.Get([]byte(id))
	if v == nil {
		return wire.Command{}, false, nil
	}
	var cmd wire.Command
	if err := json.Unmarshal(v, &cmd); err != nil {
		return wire.Command{}, false, fmt.Errorf("unmarshal command %s: %w", id, err)
	}
	return cmd, true, nil
}

// InsertCommand persists a freshly submitted Command in Pending status.
// Returns ErrDuplicateID if id already exists.
func (s *Store) InsertCommand(id string, kind wire.Kind, payload json.RawMessage, now time.Time) (wire.Command, error) {
	cmd := wire.Command{
		ID:        id,
		Kind:      kind,
		Payload:   payload,
		Status:    wire.Pending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		commands := tx.Bucket(bucketCommands)
		if commands.Get([]byte(id)) != nil {
			return ErrDuplicateID
		}
		if err := putCommand(commands, cmd); err != nil {
			return err
		}
		return tx.Bucket(bucketPending).Put(pendingKey(now, id), []byte(id))
	})
	if err != nil {
		return wire.Command{}, err
	}
	return cmd, nil
}

// GetCommand returns a command by id, or ErrNotFound.
func (s *Store) GetCommand(id string) (wire.Command, error) {
	var cmd wire.Command
	err := s.db.View(func(tx *bolt.Tx) error {
		var ok bool
		var err error
		cmd, ok, err = getCommand(tx.Bucket(bucketCommands), id)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		return nil
	})
	return cmd, err
}

// ListCommands returns every command ordered by created_at ascending.
func (s *Store) ListCommands() ([]wire.Command, error) {
	var out []wire.Command
	err := s.db.View(func(tx *bolt.Tx) error {
		commands := tx.Bucket(bucketCommands)
		c := commands.Cursor()
		// commands are keyed by id, not creation order, so collect and sort
		// by CreatedAt rather than relying on key order.
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var cmd wire.Command
			if err := json.Unmarshal(v, &cmd); err != nil {
				continue
			}
			out = append(out, cmd)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortByCreatedAt(out)
	return out, nil
}

func sortByCreatedAt(cmds []wire.Command) {
	// Small N expected (this is a coordination core, not a data warehouse);
	// a simple insertion sort keeps this dependency-free and stable.
	for i := 1; i < len(cmds); i++ {
		for j := i; j > 0 && cmds[j].CreatedAt.Before(cmds[j-1].CreatedAt); j-- {
			cmds[j], cmds[j-1] = cmds[j-1], cmds[j]
		}
	}
}

// AssignNextTo implements the single-flight assignment algorithm (§4.2):
// if the agent already owns a Running command, that same command is
// returned unchanged (idempotent fetch-retry); otherwise the oldest
// Pending command is atomically assigned to it. Returns a zero Command and
// ok=false when there is no work.
func (s *Store) AssignNextTo(agentID string, now time.Time) (cmd wire.Command, ok bool, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		commands := tx.Bucket(bucketCommands)
		owners := tx.Bucket(bucketOwner)
		pending := tx.Bucket(bucketPending)
		liveness := tx.Bucket(bucketLiveness)

		if existingID := owners.Get([]byte(agentID)); existingID != nil {
			existing, found, err := getCommand(commands, string(existingID))
			if err != nil {
				return err
			}
			if found && existing.Status == wire.Running && existing.Owner == agentID {
				cmd, ok = existing, true
				return nil
			}
			// Index pointed at a command that is no longer Running under this
			// agent (e.g. completed out from under a stale index entry);
			// drop the stale index and fall through to a fresh assignment.
			if err := owners.Delete([]byte(agentID)); err != nil {
				return err
			}
		}

		c := pending.Cursor()
		k, v := c.First()
		if k == nil {
			return nil
		}
		selectedID := string(v)
		selected, found, err := getCommand(commands, selectedID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("pending index references missing command %s", selectedID)
		}

		selected.Status = wire.Running
		selected.Owner = agentID
		started := now
		selected.StartedAt = &started
		selected.UpdatedAt = now

		if err := putCommand(commands, selected); err != nil {
			return err
		}
		if err := pending.Delete(k); err != nil {
			return err
		}
		if err := owners.Put([]byte(agentID), []byte(selectedID)); err != nil {
			return err
		}
		if err := putLiveness(liveness, wire.AgentLiveness{
			AgentID:        agentID,
			LastHeartbeat:  now,
			CurrentCommand: selectedID,
		}); err != nil {
			return err
		}

		cmd, ok = selected, true
		return nil
	})
	return cmd, ok, err
}

// GetRunningFor returns the command currently owned (Running) by agentID,
// if any.
func (s *Store) GetRunningFor(agentID string) (cmd wire.Command, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		owners := tx.Bucket(bucketOwner)
		existingID := owners.Get([]byte(agentID))
		if existingID == nil {
			return nil
		}
		existing, found, err := getCommand(tx.Bucket(bucketCommands), string(existingID))
		if err != nil {
			return err
		}
		if found && existing.Status == wire.Running && existing.Owner == agentID {
			cmd, ok = existing, true
		}
		return nil
	})
	return cmd, ok, err
}

// Complete implements result reporting (§4.3): it requires the command to
// still be Running and owned by agentID, otherwise it returns ok=false
// without mutating anything. result and errMsg are merged per spec: a
// non-empty errMsg is folded into the result object under "error".
func (s *Store) Complete(commandID, agentID string, terminal wire.Status, result json.RawMessage, errMsg string, now time.Time) (ok bool, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		commands := tx.Bucket(bucketCommands)
		owners := tx.Bucket(bucketOwner)
		liveness := tx.Bucket(bucketLiveness)
		completedBy := tx.Bucket(bucketCompletedBy)

		cmd, found, err := getCommand(commands, commandID)
		if err != nil {
			return err
		}
		if !found || cmd.Status != wire.Running || cmd.Owner != agentID {
			return nil
		}

		merged, err := mergeError(result, errMsg)
		if err != nil {
			return err
		}

		cmd.Status = terminal
		cmd.Result = merged
		cmd.Owner = ""
		completed := now
		cmd.CompletedAt = &completed
		cmd.UpdatedAt = now

		if err := putCommand(commands, cmd); err != nil {
			return err
		}
		if err := owners.Delete([]byte(agentID)); err != nil {
			return err
		}
		if err := clearCurrentCommand(liveness, agentID); err != nil {
			return err
		}
		// Owner is cleared above (invariant 1 forbids a non-empty owner
		// outside Running), so a separate record of who reported this
		// completion is kept here purely to let the orchestrator layer
		// recognize a retried /agent/result body as the same report rather
		// than a conflicting one.
		if err := completedBy.Put([]byte(commandID), []byte(agentID)); err != nil {
			return err
		}

		ok = true
		return nil
	})
	return ok, err
}

// RequeueIfOwned resets commandID back to Pending if it is still Running
// under agentID, without recording a terminal report. This implements the
// crash-recovery resolution of §9's open question: a FAILED report that an
// agent sends immediately after sync (i.e. for a command it cannot be sure
// it actually executed) returns the command to Pending for reassignment
// instead of leaving it permanently Failed. Returns ok=false if the command
// was not Running under this agent (e.g. already reclaimed by stale-check).
func (s *Store) RequeueIfOwned(commandID, agentID string, now time.Time) (ok bool, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		commands := tx.Bucket(bucketCommands)
		owners := tx.Bucket(bucketOwner)
		pending := tx.Bucket(bucketPending)
		liveness := tx.Bucket(bucketLiveness)

		cmd, found, err := getCommand(commands, commandID)
		if err != nil {
			return err
		}
		if !found || cmd.Status != wire.Running || cmd.Owner != agentID {
			return nil
		}
		if err := resetRunningToPending(commands, owners, pending, liveness, agentID, now); err != nil {
			return err
		}
		ok = true
		return nil
	})
	return ok, err
}

// CompletedBy returns the agent id that most recently completed commandID,
// if any. Used by the orchestrator layer to detect an idempotent replay of
// a result report after the command has already left Running.
func (s *Store) CompletedBy(commandID string) (string, bool, error) {
	var agentID string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCompletedBy).Get([]byte(commandID))
		if v != nil {
			agentID = string(v)
		}
		return nil
	})
	return agentID, agentID != "", err
}

// mergeError folds a non-empty error message into a JSON result object
// under the "error" key, per the result-gating rule in §4.3.
func mergeError(result json.RawMessage, errMsg string) (json.RawMessage, error) {
	if errMsg == "" {
		return result, nil
	}
	obj := map[string]any{}
	if len(result) > 0 {
		_ = json.Unmarshal(result, &obj) // best-effort; non-object results are dropped in favor of the error
	}
	obj["error"] = errMsg
	return json.Marshal(obj)
}

// TouchHeartbeat upserts an agent's liveness record.
func (s *Store) TouchHeartbeat(agentID, currentCommand string, now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putLiveness(tx.Bucket(bucketLiveness), wire.AgentLiveness{
			AgentID:        agentID,
			LastHeartbeat:  now,
			CurrentCommand: currentCommand,
		})
	})
}

// ReclaimCrashedRunning resets every Running command to Pending. Used only
// on server startup, before any request is served (§4.5).
func (s *Store) ReclaimCrashedRunning(now time.Time) (int, error) {
	count := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		commands := tx.Bucket(bucketCommands)
		owners := tx.Bucket(bucketOwner)
		pending := tx.Bucket(bucketPending)
		liveness := tx.Bucket(bucketLiveness)

		c := owners.Cursor()
		var agentIDs []string
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			agentIDs = append(agentIDs, string(k))
		}
		for _, agentID := range agentIDs {
			if err := resetRunningToPending(commands, owners, pending, liveness, agentID, now); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

// ReclaimStale resets to Pending every Running command whose owner's last
// heartbeat is older than cutoff (§4.4).
func (s *Store) ReclaimStale(cutoff, now time.Time) (int, error) {
	count := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		commands := tx.Bucket(bucketCommands)
		owners := tx.Bucket(bucketOwner)
		pending := tx.Bucket(bucketPending)
		liveness := tx.Bucket(bucketLiveness)

		c := owners.Cursor()
		var staleAgents []string
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			agentID := string(k)
			lv, found, err := getLiveness(liveness, agentID)
			if err != nil {
				return err
			}
			if !found || lv.LastHeartbeat.Before(cutoff) {
				staleAgents = append(staleAgents, agentID)
			}
		}
		for _, agentID := range staleAgents {
			if err := resetRunningToPending(commands, owners, pending, liveness, agentID, now); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

// resetRunningToPending returns agentID's Running command (if any) to
// Pending, clears the owner index and the agent's current_command. Shared
// by ReclaimCrashedRunning and ReclaimStale, which differ only in how they
// select which agents to reclaim, and by RequeueIfOwned for a single agent.
func resetRunningToPending(commands, owners, pending, liveness *bolt.Bucket, agentID string, now time.Time) error {
	commandID := owners.Get([]byte(agentID))
	if commandID == nil {
		return nil
	}
	cmd, found, err := getCommand(commands, string(commandID))
	if err != nil {
		return err
	}
	if !found || cmd.Status != wire.Running {
		return owners.Delete([]byte(agentID))
	}

	cmd.Status = wire.Pending
	cmd.Owner = ""
	cmd.StartedAt = nil
	cmd.UpdatedAt = now

	if err := putCommand(commands, cmd); err != nil {
		return err
	}
	if err := pending.Put(pendingKey(cmd.CreatedAt, cmd.ID), []byte(cmd.ID)); err != nil {
		return err
	}
	if err := owners.Delete([]byte(agentID)); err != nil {
		return err
	}
	return clearCurrentCommand(liveness, agentID)
}

func putLiveness(b *bolt.Bucket, lv wire.AgentLiveness) error {
	data, err := json.Marshal(lv)
	if err != nil {
		return fmt.Errorf("marshal liveness: %w", err)
	}
	return b.Put([]byte(lv.AgentID), data)
}

func getLiveness(b *bolt.Bucket, agentID string) (wire.AgentLiveness, bool, error) {
	v := b.Get([]byte(agentID))
	if v == nil {
		return wire.AgentLiveness{}, false, nil
	}
	var lv wire.AgentLiveness
	if err := json.Unmarshal(v, &lv); err != nil {
		return wire.AgentLiveness{}, false, fmt.Errorf("unmarshal liveness %s: %w", agentID, err)
	}
	return lv, true, nil
}

func clearCurrentCommand(b *bolt.Bucket, agentID string) error {
	lv, found, err := getLiveness(b, agentID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	lv.CurrentCommand = ""
	return putLiveness(b, lv)
}
