package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"os"
)

// journal is a string-keyed map made durable by an append-only JSON Lines
// log. Every compactEvery writes the map is snapshotted and the log
// truncated.
type journal[V any] struct {
	snapPath string
	logPath  string
	log      *os.File
	data     map[string]V

	writes       int
	compactEvery int
}

type journalEntry[V any] struct {
	Op  string `json:"op"` // put | del
	Key string `json:"key"`
	Val *V     `json:"val,omitempty"`
}

// openJournal loads prefix+".<name>.snapshot.json", replays
// prefix+".<name>.journal.jsonl" over it and opens the log for appending.
// Unreadable content is reported through warn and skipped.
func openJournal[V any](prefix, name string, compactEvery int, warn func(path string, err error)) (*journal[V], error) {
	j := &journal[V]{
		snapPath:     prefix + "." + name + ".snapshot.json",
		logPath:      prefix + "." + name + ".journal.jsonl",
		data:         make(map[string]V),
		compactEvery: compactEvery,
	}
	if err := j.loadSnapshot(); err != nil {
		warn(j.snapPath, err)
	}
	if err := j.replay(); err != nil {
		warn(j.logPath, err)
	}
	f, err := os.OpenFile(j.logPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	j.log = f
	return j, nil
}

func (j *journal[V]) loadSnapshot() error {
	b, err := os.ReadFile(j.snapPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil
	case err != nil:
		return err
	}
	return json.Unmarshal(b, &j.data)
}

func (j *journal[V]) replay() error {
	f, err := os.Open(j.logPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil
	case err != nil:
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var e journalEntry[V]
		// A torn trailing line after a crash is skipped.
		if json.Unmarshal(sc.Bytes(), &e) != nil || e.Key == "" {
			continue
		}
		switch {
		case e.Op == "del":
			delete(j.data, e.Key)
		case e.Op == "put" && e.Val != nil:
			j.data[e.Key] = *e.Val
		}
	}
	return sc.Err()
}

func (j *journal[V]) closed() bool { return j.log == nil }

func (j *journal[V]) put(key string, v V) error {
	if err := j.append(journalEntry[V]{Op: "put", Key: key, Val: &v}); err != nil {
		return err
	}
	j.data[key] = v
	return j.maybeCompact()
}

func (j *journal[V]) del(key string) error {
	if _, ok := j.data[key]; !ok {
		return nil
	}
	if err := j.append(journalEntry[V]{Op: "del", Key: key}); err != nil {
		return err
	}
	delete(j.data, key)
	return j.maybeCompact()
}

func (j *journal[V]) append(e journalEntry[V]) error {
	if j.log == nil {
		return ErrClosed
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = j.log.Write(append(b, '\n'))
	return err
}

func (j *journal[V]) maybeCompact() error {
	j.writes++
	if j.compactEvery <= 0 || j.writes%j.compactEvery != 0 {
		return nil
	}
	return j.compact()
}

// compact replaces the snapshot atomically, then empties the log.
func (j *journal[V]) compact() error {
	tmp := j.snapPath + ".tmp"
	b, err := json.Marshal(j.data)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	_, werr := f.Write(b)
	serr := f.Sync()
	cerr := f.Close()
	if err := errors.Join(werr, serr, cerr); err != nil {
		return err
	}
	if err := os.Rename(tmp, j.snapPath); err != nil {
		return err
	}
	if err := j.log.Truncate(0); err != nil {
		return err
	}
	_, err = j.log.Seek(0, io.SeekEnd)
	return err
}

// close compacts and closes the log. It is safe to call twice.
func (j *journal[V]) close() error {
	if j.log == nil {
		return nil
	}
	cerr := j.compact()
	err := j.log.Close()
	j.log = nil
	return errors.Join(cerr, err)
}
