package warehouse

import (
	"database/sql"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// SeedTable declares one warehouse table in a seed file. Columns use
// "name TYPE" form and are used verbatim in the CREATE TABLE statement.
type SeedTable struct {
	Name    string   `yaml:"name"`
	Columns []string `yaml:"columns"`
	Rows    [][]any  `yaml:"rows"`
}

// SeedDocument is one knowledge corpus source in a seed file. Each chunk
// becomes a separately retrievable document.
type SeedDocument struct {
	Source string   `yaml:"source"`
	Chunks []string `yaml:"chunks"`
}

// SeedFile is the on-disk demo dataset: warehouse tables plus the knowledge
// corpus to embed.
type SeedFile struct {
	Tables []SeedTable    `yaml:"tables"`
	Corpus []SeedDocument `yaml:"corpus"`
}

// LoadSeed parses a YAML seed file.
func LoadSeed(path string) (*SeedFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var seed SeedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	for _, t := range seed.Tables {
		if t.Name == "" || len(t.Columns) == 0 {
			return nil, fmt.Errorf("seed table needs a name and columns")
		}
		for i, row := range t.Rows {
			if len(row) != len(t.Columns) {
				return nil, fmt.Errorf("table %s row %d has %d values, want %d", t.Name, i, len(row), len(t.Columns))
			}
		}
	}
	return &seed, nil
}

// Seed creates the warehouse file at path from the seed tables, replacing
// any existing table of the same name.
func Seed(path string, tables []SeedTable) error {
	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return fmt.Errorf("open warehouse for seeding: %w", err)
	}
	defer db.Close()

	for _, t := range tables {
		if _, err := db.Exec(`DROP TABLE IF EXISTS "` + t.Name + `"`); err != nil {
			return fmt.Errorf("drop %s: %w", t.Name, err)
		}
		ddl := fmt.Sprintf(`CREATE TABLE "%s" (%s)`, t.Name, strings.Join(t.Columns, ", "))
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("create %s: %w", t.Name, err)
		}

		if len(t.Rows) == 0 {
			continue
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(t.Columns)), ", ")
		stmt, err := db.Prepare(fmt.Sprintf(`INSERT INTO "%s" VALUES (%s)`, t.Name, placeholders))
		if err != nil {
			return fmt.Errorf("prepare insert for %s: %w", t.Name, err)
		}
		for _, row := range t.Rows {
			if _, err := stmt.Exec(row...); err != nil {
				stmt.Close()
				return fmt.Errorf("insert into %s: %w", t.Name, err)
			}
		}
		stmt.Close()
	}
	return nil
}
