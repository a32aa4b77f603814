package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/wolfeidau/health-cache/record"
	"github.com/wolfeidau/health-cache/store/localdb"
)

// KeyCaloriesTarget is the settings key of the daily calorie target.
const KeyCaloriesTarget = "caloriesTarget"

// Setting is one key/value pair of the settings store.
type Setting struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// Settings is a key/value store of user preferences.
type Settings struct {
	db *localdb.Database
}

// Get decodes the value stored under key into v. It reports false when the
// key is not set.
func (s *Settings) Get(ctx context.Context, key string, v any) (bool, error) {
	st, err := observe(ctx, localdb.StoreSettings, "get", func() (Setting, error) {
		return localdb.Get[Setting](ctx, s.db, localdb.StoreSettings, key)
	})
	if errors.Is(err, localdb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(st.Value, v); err != nil {
		return false, fmt.Errorf("decoding setting %s: %w", key, err)
	}
	return true, nil
}

// Put stores v under key, replacing any previous value.
func (s *Settings) Put(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding setting %s: %w", key, err)
	}
	_, err = observe(ctx, localdb.StoreSettings, "put", func() (Setting, error) {
		return localdb.Put(ctx, s.db, localdb.StoreSettings, Setting{Key: key, Value: raw})
	})
	return err
}

// CaloriesTarget returns the daily calorie target, or DefaultCaloriesTarget
// when none was set.
func (s *Settings) CaloriesTarget(ctx context.Context) (float64, error) {
	var target float64
	ok, err := s.Get(ctx, KeyCaloriesTarget, &target)
	if err != nil {
		return 0, err
	}
	if !ok {
		return DefaultCaloriesTarget, nil
	}
	return target, nil
}

// SetCaloriesTarget validates and stores the daily calorie target.
func (s *Settings) SetCaloriesTarget(ctx context.Context, target float64) error {
	in := struct {
		Target float64 `label:"calories target" validate:"finite,min=1,max=99999"`
	}{target}
	if err := record.Validate(in); err != nil {
		return err
	}
	return s.Put(ctx, KeyCaloriesTarget, target)
}
