package mousesvc

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger"
)

// DeviceRecord is the persisted view of a device that has connected to a
// port at least once. Only identification metadata is stored; mouse state
// never survives a restart.
type DeviceRecord struct {
	Port         string    `json:"port"`
	Identity     string    `json:"identity"`
	Manufacturer string    `json:"manufacturer"`
	Product      string    `json:"product"`
	SerialNumber string    `json:"serialNumber"`
	FirstSeenAt  time.Time `json:"firstSeenAt"`
	LastSeenAt   time.Time `json:"lastSeenAt"`
}

var deviceKeyPrefix = []byte("mouse/devices/")

func deviceKey(port string) []byte {
	return append(append([]byte{}, deviceKeyPrefix...), port...)
}

func (s *Service) recordConnect(port string, event SessionEvent) error {
	if s.db == nil {
		return nil
	}
	now := s.now()
	return s.db.Update(func(txn *badger.Txn) error {
		key := deviceKey(port)
		var rec DeviceRecord
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			err = item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal device record: %w", err)
			}
		}
		rec.Port = port
		rec.Identity = event.Identity.String()
		rec.Manufacturer = event.Strings.Manufacturer
		rec.Product = event.Strings.Product
		rec.SerialNumber = event.Strings.SerialNumber
		if rec.FirstSeenAt.IsZero() {
			rec.FirstSeenAt = now
		}
		rec.LastSeenAt = now
		b, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal device record: %w", err)
		}
		return txn.Set(key, b)
	})
}

// ListDevices returns every device record the service has persisted.
func (s *Service) ListDevices() ([]DeviceRecord, error) {
	if s.db == nil {
		return nil, nil
	}
	var records []DeviceRecord
	err := s.db.View(func(txn *badger.Txn) error {
		iter := txn.NewIterator(badger.DefaultIteratorOptions)
		defer iter.Close()
		for iter.Seek(deviceKeyPrefix); iter.ValidForPrefix(deviceKeyPrefix); iter.Next() {
			var rec DeviceRecord
			err := iter.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return records, nil
}
