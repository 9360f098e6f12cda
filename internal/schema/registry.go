package schema

// Version is the current schema version of the Agri-OS local store.
const Version = 2

// Table names.
const (
	TableFarmers = "farmers"
	TableLogs    = "logs"
)

var farmerLocation = Column{Name: "location", Type: TypeString, Optional: true}

// Get returns the Agri-OS schema. Each call returns a fresh value.
func Get() *AppSchema {
	return &AppSchema{
		Version: Version,
		Tables: []TableSchema{
			{
				Name: TableFarmers,
				Columns: []Column{
					{Name: "name", Type: TypeString},
					{Name: "phone", Type: TypeString, Indexed: true},
					farmerLocation,
				},
			},
			{
				Name: TableLogs,
				Columns: []Column{
					{Name: "content", Type: TypeString},
					{Name: "type", Type: TypeString},
					{Name: "farmer_id", Type: TypeString, Indexed: true},
					{Name: "is_synced", Type: TypeBoolean, LocalOnly: true, TracksSync: true},
				},
			},
		},
		Migrations: []Migration{
			{
				ToVersion:   2,
				Description: "farmer location",
				Steps: []Step{
					AddColumns{Table: TableFarmers, Columns: []Column{farmerLocation}},
				},
			},
		},
	}
}
