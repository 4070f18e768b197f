package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-xorm/xorm"
	_ "github.com/mattn/go-sqlite3"

	"github.com/mjl-/spoold/mlog"
)

// spoolRow is a record in table "spool".
type spoolRow struct {
	ID            int64  `xorm:"pk autoincr 'id'"`
	Partition     string `xorm:"'partition_name' varchar(255) notnull unique(partition_key) index(partition_updated)"`
	Key           string `xorm:"'mail_key' varchar(255) notnull unique(partition_key)"`
	State         string `xorm:"'state' varchar(64) notnull"`
	ErrorMessage  string `xorm:"'error_message' text"`
	Sender        string `xorm:"'sender' varchar(512)"`
	Recipients    string `xorm:"'recipients' text notnull"` // JSON array.
	RemoteHost    string `xorm:"'remote_host' varchar(255)"`
	RemoteAddr    string `xorm:"'remote_addr' varchar(64)"`
	LastUpdated   int64  `xorm:"'last_updated' bigint notnull index(partition_updated)"` // Unix nanoseconds.
	HeaderBlock   []byte `xorm:"'header_block' blob"`
	ContentBlock  []byte `xorm:"'content_block' blob"`
	ContentHandle string `xorm:"'content_handle' varchar(255)"`
	ContentSize   int64  `xorm:"'content_size' bigint"`
	ContentDigest []byte `xorm:"'content_digest' blob"`
	Attributes    []byte `xorm:"'attributes_blob' blob"`
}

func (spoolRow) TableName() string {
	return "spool"
}

// Columns written by an update without body.
var metaColumns = []string{"state", "error_message", "sender", "recipients", "remote_host", "remote_addr", "last_updated", "attributes_blob"}

// Additional columns written by an update with body.
var bodyColumns = []string{"header_block", "content_block", "content_handle", "content_size", "content_digest"}

// Columns of the listings and scans, without message data.
var scanColumns = []string{"id", "partition_name", "mail_key", "state", "error_message", "sender", "recipients", "remote_host", "remote_addr", "last_updated", "content_size", "attributes_blob"}

// SQLStore is a Store in a sqlite database through xorm.
type SQLStore struct {
	engine *xorm.Engine
	bc     bodyCodec
}

var _ Store = (*SQLStore)(nil)

func openSQL(ctx context.Context, log mlog.Log, path string, noSchemaSync bool, bc bodyCodec) (*SQLStore, error) {
	os.MkdirAll(filepath.Dir(path), 0770)

	engine, err := xorm.NewEngine("sqlite3", "file:"+path+"?_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite database: %w", ErrPersistence, err)
	}
	// One connection, write transactions are serialized.
	engine.SetMaxOpenConns(1)

	if noSchemaSync {
		err = checkSchema(engine)
	} else if err = engine.Sync2(new(spoolRow)); err != nil {
		err = fmt.Errorf("%w: sync schema: %w", ErrPersistence, err)
	}
	if err != nil {
		engine.Close()
		return nil, err
	}
	log.Debug("opened sqlite spool database", slog.String("path", path))
	return &SQLStore{engine: engine, bc: bc}, nil
}

// checkSchema verifies table spool exists with all required columns.
func checkSchema(engine *xorm.Engine) error {
	tables, err := engine.DBMetas()
	if err != nil {
		return fmt.Errorf("%w: reading database schema: %w", ErrPersistence, err)
	}
	for _, t := range tables {
		if t.Name != "spool" {
			continue
		}
		have := map[string]bool{}
		for _, c := range t.ColumnsSeq() {
			have[strings.ToLower(c)] = true
		}
		var missing []string
		for _, c := range append(append([]string{"id", "partition_name", "mail_key"}, metaColumns...), bodyColumns...) {
			if !have[c] {
				missing = append(missing, c)
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("%w: table spool is missing columns %s", ErrConfig, strings.Join(missing, ", "))
		}
		return nil
	}
	return fmt.Errorf("%w: table spool does not exist and schema sync is disabled", ErrConfig)
}

func (s *SQLStore) Close() error {
	return s.engine.Close()
}

func (s *SQLStore) bodies() bodyCodec {
	return s.bc
}

func (s *SQLStore) observe(op string, err error) {
	metricOps.WithLabelValues("sqlite", op, errResult(err)).Inc()
}

func (s *SQLStore) Upsert(ctx context.Context, log mlog.Log, r *Record) (rerr error) {
	defer func() { s.observe("upsert", rerr) }()

	if err := r.prepare(); err != nil {
		return err
	}
	attrs, err := EncodeAttributes(r.Attributes)
	if err != nil {
		return &CodecError{r.Partition, r.Key, err}
	}
	rcpts, err := json.Marshal(r.Recipients)
	if err != nil {
		return &CodecError{r.Partition, r.Key, err}
	}

	var newBlob, oldBlob string
	var size int64
	err = func() error {
		sess := s.engine.NewSession().Context(ctx)
		defer sess.Close()
		if err := sess.Begin(); err != nil {
			return err
		}
		committed := false
		defer func() {
			if !committed {
				err := sess.Rollback()
				log.Check(err, "rolling back upsert transaction")
			}
		}()

		var row spoolRow
		exists, err := sess.Where("partition_name = ? AND mail_key = ?", r.Partition, r.Key).Get(&row)
		if err != nil {
			return fmt.Errorf("lookup: %w", err)
		}
		prevHandle := row.ContentHandle

		row.Partition = r.Partition
		row.Key = r.Key
		row.State = string(r.State)
		row.ErrorMessage = r.ErrorMessage
		row.Sender = r.Sender
		row.Recipients = string(rcpts)
		row.RemoteHost = r.RemoteHost
		row.RemoteAddr = r.RemoteAddr
		row.LastUpdated = r.LastUpdated.UnixNano()
		row.Attributes = attrs

		cols := metaColumns
		if !exists || r.BodyDirty {
			h, err := s.bc.writeBody(log, r.Partition, r.Key, r.Header, r.Content)
			if err != nil {
				return err
			}
			newBlob = h.External
			row.HeaderBlock = h.Header
			row.ContentBlock = h.Inline
			row.ContentHandle = h.External
			row.ContentSize = h.Size
			row.ContentDigest = h.Digest
			cols = append(append([]string{}, metaColumns...), bodyColumns...)
			if exists {
				oldBlob = prevHandle
			}
		}
		size = row.ContentSize

		if exists {
			if _, err := sess.ID(row.ID).Cols(cols...).Update(&row); err != nil {
				return fmt.Errorf("update record: %w", err)
			}
		} else if _, err := sess.Insert(&row); err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
		if err := sess.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		committed = true
		return nil
	}()
	if oldBlob == newBlob {
		oldBlob = ""
		if err != nil {
			newBlob = ""
		}
	}
	if err != nil {
		s.bc.removeBlob(log, newBlob)
		return persistErr("upsert", err)
	}
	s.bc.removeBlob(log, oldBlob)
	r.Size = size
	r.BodyDirty = false
	return nil
}

// record returns the metadata of row as Record, decoding recipients and
// attributes.
func (s *SQLStore) record(row spoolRow) (Record, error) {
	r := Record{
		Key:          row.Key,
		Partition:    row.Partition,
		State:        State(row.State),
		Sender:       row.Sender,
		RemoteHost:   row.RemoteHost,
		RemoteAddr:   row.RemoteAddr,
		LastUpdated:  time.Unix(0, row.LastUpdated).UTC(),
		ErrorMessage: row.ErrorMessage,
		Size:         row.ContentSize,
	}
	if err := json.Unmarshal([]byte(row.Recipients), &r.Recipients); err != nil {
		return r, &CodecError{row.Partition, row.Key, fmt.Errorf("recipients: %w", err)}
	}
	attrs, err := DecodeAttributes(row.Attributes)
	if err != nil {
		return r, &CodecError{row.Partition, row.Key, err}
	}
	r.Attributes = attrs
	return r, nil
}

func (s *SQLStore) Get(ctx context.Context, partition, key string) (rr Record, rerr error) {
	defer func() { s.observe("get", rerr) }()

	for i := 0; ; i++ {
		var row spoolRow
		exists, err := s.engine.Context(ctx).Where("partition_name = ? AND mail_key = ?", partition, key).Get(&row)
		if err != nil {
			return Record{}, persistErr("get", err)
		} else if !exists {
			return Record{}, ErrNotFound
		}
		r, err := s.record(row)
		if err != nil {
			return Record{}, err
		}
		h := bodyHandle{row.HeaderBlock, row.ContentBlock, row.ContentHandle, row.ContentSize, row.ContentDigest}
		r.Header, r.Content, err = s.bc.readBody(h)
		if err != nil && errors.Is(err, os.ErrNotExist) && i < 2 && s.handleChanged(ctx, row) {
			continue
		} else if err != nil && errors.Is(err, ErrPersistence) {
			return Record{}, err
		} else if err != nil {
			return Record{}, &CodecError{partition, key, err}
		}
		return r, nil
	}
}

// handleChanged returns whether the content handle of row changed in the database.
func (s *SQLStore) handleChanged(ctx context.Context, row spoolRow) bool {
	var cur spoolRow
	exists, err := s.engine.Context(ctx).ID(row.ID).Cols("content_handle").Get(&cur)
	return err == nil && (!exists || cur.ContentHandle != row.ContentHandle)
}

func (s *SQLStore) Delete(ctx context.Context, log mlog.Log, partition, key string) (rerr error) {
	defer func() { s.observe("delete", rerr) }()

	var blob string
	err := func() error {
		sess := s.engine.NewSession().Context(ctx)
		defer sess.Close()
		if err := sess.Begin(); err != nil {
			return err
		}
		var row spoolRow
		exists, err := sess.Where("partition_name = ? AND mail_key = ?", partition, key).Cols("id", "content_handle").Get(&row)
		if err == nil && exists {
			blob = row.ContentHandle
			_, err = sess.ID(row.ID).Delete(&spoolRow{})
		}
		if err != nil {
			xerr := sess.Rollback()
			log.Check(xerr, "rolling back delete transaction")
			return err
		}
		return sess.Commit()
	}()
	if err != nil {
		return persistErr("delete", err)
	}
	s.bc.removeBlob(log, blob)
	return nil
}

func (s *SQLStore) Keys(ctx context.Context, partition string) (keys []string, rerr error) {
	defer func() { s.observe("keys", rerr) }()

	var rows []spoolRow
	err := s.engine.Context(ctx).Where("partition_name = ?", partition).Cols("mail_key").Asc("mail_key").Find(&rows)
	if err != nil {
		return nil, persistErr("keys", err)
	}
	keys = make([]string, len(rows))
	for i, row := range rows {
		keys[i] = row.Key
	}
	return keys, nil
}

func (s *SQLStore) Scan(ctx context.Context, partition string, fn func(r Record, err error) error) (rerr error) {
	defer func() { s.observe("scan", rerr) }()

	var rows []spoolRow
	err := s.engine.Context(ctx).Where("partition_name = ?", partition).Cols(scanColumns...).Asc("last_updated", "id").Find(&rows)
	if err != nil {
		return persistErr("scan", err)
	}
	for _, row := range rows {
		if err := fn(s.record(row)); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) Partitions(ctx context.Context) ([]string, error) {
	var rows []spoolRow
	err := s.engine.Context(ctx).Distinct("partition_name").Asc("partition_name").Find(&rows)
	if err != nil {
		return nil, persistErr("partitions", err)
	}
	l := make([]string, len(rows))
	for i, row := range rows {
		l[i] = row.Partition
	}
	return l, nil
}

func (s *SQLStore) eachBody(ctx context.Context, fn func(partition, key string, h bodyHandle) error) error {
	cols := []string{"partition_name", "mail_key", "header_block", "content_block", "content_handle", "content_size", "content_digest"}
	return s.engine.Context(ctx).Cols(cols...).Iterate(new(spoolRow), func(i int, bean any) error {
		row := bean.(*spoolRow)
		return fn(row.Partition, row.Key, bodyHandle{row.HeaderBlock, row.ContentBlock, row.ContentHandle, row.ContentSize, row.ContentDigest})
	})
}
