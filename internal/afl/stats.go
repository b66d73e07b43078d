package afl

import (
	"bufio"
	"os"
	"strings"
)

// StatsFile is written by afl-fuzz into its instance directory.
const StatsFile = "fuzzer_stats"

// Stats is the parsed "key : value" content of a fuzzer_stats file.
type Stats map[string]string

// Summary keys, newest name first. corpus_count replaced paths_total.
var summaryKeys = [][]string{
	{"execs_done"},
	{"execs_per_sec"},
	{"corpus_count", "paths_total"},
	{"saved_crashes", "unique_crashes"},
}

// ReadStats parses the stats file at path.
func ReadStats(path string) (Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	stats := make(Stats)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		stats[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return stats, sc.Err()
}

// LogAttrs returns the summary values as slog key/value pairs.
func (s Stats) LogAttrs() []any {
	var attrs []any
	for _, names := range summaryKeys {
		for _, n := range names {
			if v, ok := s[n]; ok {
				attrs = append(attrs, names[0], v)
				break
			}
		}
	}
	return attrs
}
