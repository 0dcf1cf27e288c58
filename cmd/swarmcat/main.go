// swarmcat is a tool for reviewing swarm state offline. It decodes
// storage dump files written by a replica's persistent store and prints
// the durable protocol state, and it can replay a file of framed audit
// envelopes through an observer to check a recorded run for safety
// violations.
package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/swarmkv/swarmkv/audit"
	"github.com/swarmkv/swarmkv/message"
	"github.com/swarmkv/swarmkv/serializer"
	"github.com/swarmkv/swarmkv/storage"
)

// storage keys of the replica's durable scalars, see the consensus
// package's persisted state layout
const (
	viewKey             = "view"
	nextSequenceKey     = "next_sequence"
	stableCheckpointKey = "stable_checkpoint"
	localCheckpointKey  = "local_checkpoint"
	operationPrefix     = "operation/"
	configStorePrefix   = "config_store/"
)

var (
	app = kingpin.New("swarmcat", "Utility for inspecting swarm replica state and audit recordings.")

	stateCmd  = app.Command("state", "Print the durable protocol state from a storage dump file.")
	stateFile = stateCmd.Flag("file", "The storage dump file to decode.").Required().String()

	auditCmd  = app.Command("audit", "Replay a file of framed audit envelopes and report safety violations.")
	auditFile = auditCmd.Flag("file", "The file of framed audit envelopes to replay.").Required().String()
)

func main() {
	app.Version("0.0.1")
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	var err error
	switch command {
	case stateCmd.FullCommand():
		err = printState(*stateFile)
	case auditCmd.FullCommand():
		err = replayAudit(*auditFile)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func printState(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "opening dump file")
	}
	defer f.Close()

	store := storage.NewMemStorage()
	if err := store.Load(f); err != nil {
		return errors.Wrap(err, "decoding dump file")
	}

	view, err := readUint64(store, viewKey)
	if err != nil {
		return err
	}
	nextSequence, err := readUint64(store, nextSequenceKey)
	if err != nil {
		return err
	}
	fmt.Printf("view:          %v\n", view)
	fmt.Printf("next sequence: %v\n", nextSequence)

	for _, key := range []string{stableCheckpointKey, localCheckpointKey} {
		sequence, hash, err := readCheckpoint(store, key)
		if err != nil {
			return err
		}
		fmt.Printf("%-14v (%v, %v)\n", key+":", sequence, hash)
	}

	fmt.Printf("configurations: %v\n", len(store.KeysIfPrefix(configStorePrefix+"config/")))

	printOperations(store)
	return nil
}

// groups the per-record operation keys back into operations and prints
// the evidence counts per slot
func printOperations(store *storage.MemStorage) {
	type slot struct {
		records map[string]int
	}
	slots := make(map[string]*slot)
	for _, key := range store.KeysIfPrefix(operationPrefix) {
		parts := strings.Split(key, "/")
		if len(parts) != 6 {
			continue
		}
		id := strings.Join(parts[1:4], "/")
		if slots[id] == nil {
			slots[id] = &slot{records: make(map[string]int)}
		}
		slots[id].records[parts[4]]++
	}

	ids := make([]string, 0, len(slots))
	for id := range slots {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Printf("held operations: %v\n", len(ids))
	for _, id := range ids {
		parts := strings.Split(id, "/")
		view, _ := strconv.ParseUint(parts[0], 10, 64)
		sequence, _ := strconv.ParseUint(parts[1], 10, 64)
		records := slots[id].records
		fmt.Printf("  view=%v seq=%v hash=%v prepares=%v commits=%v\n",
			view, sequence, abbreviate(parts[2]), records["prepare"], records["commit"])
	}
}

func replayAudit(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "opening audit file")
	}
	defer f.Close()

	observer, err := audit.NewObserver(1<<20, nil)
	if err != nil {
		return err
	}

	reader := bufio.NewReader(f)
	envelopes := 0
	for {
		env, err := message.ReadEnvelope(reader)
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrapf(err, "decoding envelope %v", envelopes)
		}
		observer.Handle(env, nil)
		envelopes++
	}

	fmt.Printf("replayed %v audit envelopes\n", envelopes)
	fmt.Printf("errors: %v\n", observer.ErrorCount())
	for _, errString := range observer.ErrorStrings() {
		fmt.Printf("  %v\n", errString)
	}
	if observer.ErrorCount() > 0 {
		os.Exit(2)
	}
	return nil
}

func readUint64(store *storage.MemStorage, key string) (uint64, error) {
	raw, err := store.Read(key)
	if err == storage.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return serializer.ReadFieldUint64(bufio.NewReader(bytes.NewReader(raw)))
}

func readCheckpoint(store *storage.MemStorage, key string) (uint64, string, error) {
	raw, err := store.Read(key)
	if err == storage.ErrNotFound {
		return 0, "<none>", nil
	}
	if err != nil {
		return 0, "", err
	}
	buf := bufio.NewReader(bytes.NewReader(raw))
	sequence, err := serializer.ReadFieldUint64(buf)
	if err != nil {
		return 0, "", err
	}
	hash, err := serializer.ReadFieldString(buf)
	if err != nil {
		return 0, "", err
	}
	return sequence, hash, nil
}

func abbreviate(hash string) string {
	if len(hash) > 12 {
		return hash[:12] + "..."
	}
	return hash
}
