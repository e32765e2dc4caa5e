package capture

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Correction is one literal, case-insensitive replacement.
type Correction struct {
	From string `yaml:"from" toml:"from"`
	To   string `yaml:"to" toml:"to"`
}

type correctionsFile struct {
	Corrections []Correction `yaml:"corrections" toml:"corrections"`
}

// DefaultCorrections returns the stock table of known mis-recognitions.
func DefaultCorrections() []Correction {
	return []Correction{
		{From: "evryone", To: "everyone"},
		{From: "recofnizing", To: "recognizing"},
		{From: "correted", To: "corrected"},
		{From: "sentance", To: "sentence"},
		{From: "hope hope", To: "hope"},
		{From: "fine fine", To: "fine"},
	}
}

// LoadCorrections reads a corrections table from a YAML or TOML file, chosen
// by extension. An empty path yields the default table.
func LoadCorrections(path string) ([]Correction, error) {
	if path == "" {
		return DefaultCorrections(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read corrections file: %w", err)
	}
	var file correctionsFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, &file)
	default:
		err = yaml.Unmarshal(data, &file)
	}
	if err != nil {
		return nil, fmt.Errorf("parse corrections file: %w", err)
	}
	if err := ValidateCorrections(file.Corrections); err != nil {
		return nil, err
	}
	return file.Corrections, nil
}

// ValidateCorrections rejects tables that cannot converge: empty or duplicate
// patterns, and any replacement that contains a pattern of the table,
// its own included.
func ValidateCorrections(table []Correction) error {
	seen := make(map[string]struct{}, len(table))
	for i, corr := range table {
		from := strings.ToLower(corr.From)
		if strings.TrimSpace(from) == "" {
			return fmt.Errorf("correction %d: from must not be empty", i)
		}
		if _, dup := seen[from]; dup {
			return fmt.Errorf("correction %d: duplicate entry for %q", i, corr.From)
		}
		seen[from] = struct{}{}
	}
	for i, corr := range table {
		if j, ok := feeds(table, corr); ok {
			return fmt.Errorf("correction %d: %w %q", i, errFeedingCorrection, table[j].From)
		}
	}
	return nil
}

// feeds reports the first rule whose pattern appears in corr's replacement.
func feeds(table []Correction, corr Correction) (int, bool) {
	to := strings.ToLower(corr.To)
	for j, other := range table {
		from := strings.ToLower(other.From)
		if from != "" && strings.Contains(to, from) {
			return j, true
		}
	}
	return 0, false
}

var errFeedingCorrection = errors.New("replacement contains pattern")
