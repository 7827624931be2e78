//go:generate go run go.uber.org/mock/mockgen -source=record.go -destination=../mocks/mock_record_repository.go -package=mocks
package repositories

import (
	"bytes"
	"ephemeral-lab/domain"
	"ephemeral-lab/errors"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

const (
	recordPrefix      = "rec:"
	indexPrefix       = "idx:"
	kindIndexPrefix   = "idx:kind:"
	expiryIndexPrefix = "idx:exp:"
	partyIndexPrefix  = "idx:party:"

	defaultMaxAttempts = 5
)

type IRecordRepository interface {
	Insert(payload domain.Payload, selfDestructAfter *time.Duration) (domain.Record, error)
	Get(id uuid.UUID) (domain.Record, error)
	DeleteIfExists(id uuid.UUID) (bool, error)
	ListExpiring() ([]domain.Expiry, error)
	QueryByParticipant(identity string) ([]domain.Record, error)
	ListAll(kind domain.Kind) ([]domain.Record, error)
}

// RecordRepository stores events and messages in BadgerDB.
// A record lives under "rec:{id}" and every lookup other than by id goes through
// an empty-valued index key written in the same transaction as the record.
type RecordRepository struct {
	db           *badger.DB
	log          *slog.Logger
	limitRecords *int
	maxAttempts  int
	now          func() time.Time
}

func NewRecordRepository(db *badger.DB, log *slog.Logger, limitRecords *int, maxAttempts int) RecordRepository {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return RecordRepository{
		db:           db,
		log:          log,
		limitRecords: limitRecords,
		maxAttempts:  maxAttempts,
		now:          time.Now,
	}
}

// WithClock returns a copy of the repository stamping CreatedAt with now.
func (r RecordRepository) WithClock(now func() time.Time) RecordRepository {
	r.now = now
	return r
}

// Insert assigns a fresh id and persists the record together with its index keys.
func (r RecordRepository) Insert(payload domain.Payload, selfDestructAfter *time.Duration) (domain.Record, error) {
	if payload == nil {
		return domain.Record{}, fmt.Errorf("%w: nil payload", errors.ErrUnknownKind)
	}
	record := domain.Record{
		ID:        uuid.New(),
		Payload:   payload,
		CreatedAt: r.now().UTC(),
	}
	if selfDestructAfter != nil {
		ttl := *selfDestructAfter
		record.SelfDestructAfter = &ttl
	}
	data, err := marshalRecord(record)
	if err != nil {
		return domain.Record{}, err
	}

	err = r.update(func(txn *badger.Txn) error {
		key := recordKey(record.ID)
		_, err := txn.Get(key)
		switch {
		case err == nil:
			return fmt.Errorf("id %s already in use", record.ID)
		case !stderrors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		if err = txn.Set(key, data); err != nil {
			return err
		}
		for _, idx := range indexKeys(record) {
			if err = txn.Set(idx, []byte{}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.Record{}, fmt.Errorf("%w: insert %s: %w", errors.ErrStorage, record.ID, err)
	}
	return record, nil
}

func (r RecordRepository) Get(id uuid.UUID) (domain.Record, error) {
	var record domain.Record
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		record, err = getRecord(txn, id)
		return err
	})
	switch {
	case err == nil:
		return record, nil
	case stderrors.Is(err, badger.ErrKeyNotFound):
		return domain.Record{}, fmt.Errorf("%w: %s", errors.ErrNotFound, id)
	default:
		return domain.Record{}, fmt.Errorf("%w: get %s: %w", errors.ErrStorage, id, err)
	}
}

// DeleteIfExists removes the record and its index keys in one transaction.
// When two callers race on the same id, badger rejects the second commit with
// ErrConflict; the retry then finds the key gone and reports false.
func (r RecordRepository) DeleteIfExists(id uuid.UUID) (bool, error) {
	var deleted bool
	err := r.update(func(txn *badger.Txn) error {
		deleted = false
		key := recordKey(id)
		record, err := getRecord(txn, id)
		switch {
		case stderrors.Is(err, badger.ErrKeyNotFound):
			return nil
		case stderrors.Is(err, errors.ErrCorruptRecord):
			// Index keys can't be derived from the value, find them by id instead.
			dropped, dropErr := dropIndexKeysOf(txn, id)
			if dropErr != nil {
				return dropErr
			}
			r.log.Warn("Deleting undecodable record", "id", id, "index_keys", dropped, "error", err)
			deleted = true
			return txn.Delete(key)
		case err != nil:
			return err
		}
		if err = txn.Delete(key); err != nil {
			return err
		}
		for _, idx := range indexKeys(record) {
			if err = txn.Delete(idx); err != nil {
				return err
			}
		}
		deleted = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: delete %s: %w", errors.ErrStorage, id, err)
	}
	return deleted, nil
}

// ListExpiring returns every live record with a deadline, earliest first.
// The deadline is encoded in the index key itself; record values are not decoded.
func (r RecordRepository) ListExpiring() ([]domain.Expiry, error) {
	var expiries []domain.Expiry
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := []byte(expiryIndexPrefix)
		options := badger.DefaultIteratorOptions
		options.PrefetchValues = false
		it := txn.NewIterator(options)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			expiry, err := parseExpiryKey(it.Item().KeyCopy(nil))
			if err != nil {
				return err
			}
			_, err = txn.Get(recordKey(expiry.ID))
			if stderrors.Is(err, badger.ErrKeyNotFound) {
				r.log.Warn("Skipping orphan expiry key", "id", expiry.ID)
				continue
			}
			if err != nil {
				return err
			}
			expiries = append(expiries, expiry)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list expiring: %w", errors.ErrStorage, err)
	}
	return expiries, nil
}

// QueryByParticipant returns the messages sent or received by identity, oldest first.
// It stops collecting once the configured limitRecords is reached.
func (r RecordRepository) QueryByParticipant(identity string) ([]domain.Record, error) {
	records, err := r.collect(partyIndexPrefixFor(identity))
	if err != nil {
		return nil, fmt.Errorf("%w: query participant %q: %w", errors.ErrStorage, identity, err)
	}
	return records, nil
}

// ListAll returns every live record of kind, oldest first.
func (r RecordRepository) ListAll(kind domain.Kind) ([]domain.Record, error) {
	records, err := r.collect(fmt.Sprintf("%s%d:", kindIndexPrefix, kind))
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %w", errors.ErrStorage, kind, err)
	}
	return records, nil
}

// collect resolves every index key under prefix to its record.
// Index keys always end with ":{id}".
func (r RecordRepository) collect(prefixStr string) ([]domain.Record, error) {
	var records []domain.Record
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := []byte(prefixStr)
		options := badger.DefaultIteratorOptions
		options.PrefetchValues = false
		it := txn.NewIterator(options)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if r.limitRecords != nil && len(records) == *r.limitRecords {
				r.log.Debug(fmt.Sprintf("Maximum of %d records reached", *r.limitRecords))
				break
			}
			id, err := idFromIndexKey(it.Item().Key())
			if err != nil {
				return err
			}
			record, err := getRecord(txn, id)
			if stderrors.Is(err, badger.ErrKeyNotFound) {
				r.log.Warn("Skipping orphan index key", "key", string(it.Item().Key()))
				continue
			}
			if err != nil {
				return fmt.Errorf("resolve index %q: %w", it.Item().Key(), err)
			}
			records = append(records, record)
		}
		return nil
	})
	return records, err
}

func (r RecordRepository) update(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		err = r.db.Update(fn)
		if !stderrors.Is(err, badger.ErrConflict) {
			return err
		}
		r.log.Debug("Transaction conflict, retrying", "attempt", attempt)
	}
	return err
}

func getRecord(txn *badger.Txn, id uuid.UUID) (domain.Record, error) {
	item, err := txn.Get(recordKey(id))
	if err != nil {
		return domain.Record{}, err
	}
	var record domain.Record
	err = item.Value(func(val []byte) error {
		record, err = unmarshalRecord(val)
		return err
	})
	return record, err
}

func recordKey(id uuid.UUID) []byte {
	return []byte(recordPrefix + id.String())
}

// indexKeys derives every secondary key of a record. Timestamps are zero padded
// to 19 digits so that lexicographical order is chronological order.
// Deadlines are written as seconds and nanoseconds: a TTL may push them past
// the year 2262, where UnixNano no longer fits an int64.
func indexKeys(record domain.Record) [][]byte {
	created := record.CreatedAt.UnixNano()
	keys := [][]byte{
		[]byte(fmt.Sprintf("%s%d:%019d:%s", kindIndexPrefix, record.Kind(), created, record.ID)),
	}
	if expiresAt, ok := record.ExpiresAt(); ok {
		keys = append(keys, []byte(fmt.Sprintf("%s%019d.%09d:%s",
			expiryIndexPrefix, expiresAt.Unix(), expiresAt.Nanosecond(), record.ID)))
	}
	if message, ok := record.Payload.(domain.MessagePayload); ok {
		keys = append(keys, []byte(fmt.Sprintf("%s%019d:%s", partyIndexPrefixFor(message.Sender), created, record.ID)))
		if message.Receiver != message.Sender {
			keys = append(keys, []byte(fmt.Sprintf("%s%019d:%s", partyIndexPrefixFor(message.Receiver), created, record.ID)))
		}
	}
	return keys
}

// partyIndexPrefixFor ends the identity with a NUL byte so that "bob" never
// matches the keys of "bobby".
func partyIndexPrefixFor(identity string) string {
	return partyIndexPrefix + identity + "\x00"
}

func idFromIndexKey(key []byte) (uuid.UUID, error) {
	i := bytes.LastIndexByte(key, ':')
	if i < 0 {
		return uuid.Nil, fmt.Errorf("%w: index key %q", errors.ErrCorruptRecord, key)
	}
	return uuid.ParseBytes(key[i+1:])
}

func parseExpiryKey(key []byte) (domain.Expiry, error) {
	rest := bytes.TrimPrefix(key, []byte(expiryIndexPrefix))
	i := bytes.IndexByte(rest, ':')
	if i < 0 {
		return domain.Expiry{}, fmt.Errorf("%w: expiry key %q", errors.ErrCorruptRecord, key)
	}
	secs, nanos, ok := bytes.Cut(rest[:i], []byte("."))
	if !ok {
		return domain.Expiry{}, fmt.Errorf("%w: expiry key %q", errors.ErrCorruptRecord, key)
	}
	sec, err := strconv.ParseInt(string(secs), 10, 64)
	if err != nil {
		return domain.Expiry{}, fmt.Errorf("%w: expiry key %q: %w", errors.ErrCorruptRecord, key, err)
	}
	nsec, err := strconv.ParseInt(string(nanos), 10, 64)
	if err != nil {
		return domain.Expiry{}, fmt.Errorf("%w: expiry key %q: %w", errors.ErrCorruptRecord, key, err)
	}
	id, err := uuid.ParseBytes(rest[i+1:])
	if err != nil {
		return domain.Expiry{}, fmt.Errorf("%w: expiry key %q: %w", errors.ErrCorruptRecord, key, err)
	}
	return domain.Expiry{ID: id, ExpiresAt: time.Unix(sec, nsec).UTC()}, nil
}

// dropIndexKeysOf deletes every index key pointing at id by scanning the whole
// index space. Only used when the record value is unreadable.
func dropIndexKeysOf(txn *badger.Txn, id uuid.UUID) (int, error) {
	prefix := []byte(indexPrefix)
	suffix := []byte(":" + id.String())
	options := badger.DefaultIteratorOptions
	options.PrefetchValues = false
	it := txn.NewIterator(options)
	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if bytes.HasSuffix(it.Item().Key(), suffix) {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
	}
	it.Close()

	for _, key := range keys {
		if err := txn.Delete(key); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}
