// Package localdb is an embedded, versioned, indexed document store built on bbolt.
//
// A database declares its object stores and indexes up front in a Schema. Opening
// the database reconciles the on-disk layout with the declared schema, creating
// missing stores and indexes and back-filling new indexes from existing records.
// Documents are JSON; key paths are gjson paths evaluated against the document.
package localdb

// Store and index names of the health database.
const (
	StoreMeasurements = "measurements"
	StoreMeals        = "meals"
	StoreSettings     = "settings"

	IndexByTS   = "by_ts"
	IndexByType = "by_type"
)

// IndexSchema declares a secondary index on a store.
type IndexSchema struct {
	Name    string `json:"name"`
	KeyPath string `json:"keyPath"`
	Unique  bool   `json:"unique,omitempty"`
}

// StoreSchema declares an object store and its indexes.
type StoreSchema struct {
	Name    string        `json:"name"`
	KeyPath string        `json:"keyPath"`
	Indexes []IndexSchema `json:"indexes,omitempty"`
}

// Index returns the declared index with the given name.
func (s StoreSchema) Index(name string) (IndexSchema, bool) {
	for _, idx := range s.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return IndexSchema{}, false
}

// Schema is the declared layout of a database at a given version.
type Schema struct {
	Name    string
	Version uint64
	Stores  []StoreSchema
}

// DefaultSchema is the layout of the health tracker database.
var DefaultSchema = Schema{
	Name:    "healthDB",
	Version: 2,
	Stores: []StoreSchema{
		{
			Name:    StoreMeasurements,
			KeyPath: "id",
			Indexes: []IndexSchema{
				{Name: IndexByTS, KeyPath: "ts"},
				{Name: IndexByType, KeyPath: "type"},
			},
		},
		{
			Name:    StoreMeals,
			KeyPath: "id",
			Indexes: []IndexSchema{
				{Name: IndexByTS, KeyPath: "ts"},
				{Name: IndexByType, KeyPath: "type"},
			},
		},
		{
			Name:    StoreSettings,
			KeyPath: "key",
		},
	},
}
