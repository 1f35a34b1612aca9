package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

type countySeedRow struct {
	line          int
	countyID      string
	domain        string
	name          string
	alreadyMapped bool
}

type countySeedConflict struct {
	line   int
	value  string
	reason string
}

var (
	reCountyID = regexp.MustCompile(`^[a-z][a-z0-9]*(-[a-z0-9]+)*$`)
	reHostname = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?(\.[a-z0-9]([a-z0-9-]*[a-z0-9])?)*$`)
)

func seedCounties(args []string) {
	fs := flag.NewFlagSet("seed-counties", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var url, csvPath string
	var apply bool
	fs.StringVar(&url, "url", "", "postgres connection string")
	fs.StringVar(&csvPath, "csv", "", "seed file with header county_id,domain,name")
	fs.BoolVar(&apply, "apply", false, "write valid rows; default validates only")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}
	if url == "" {
		fatalf("missing --url")
	}
	if csvPath == "" {
		fatalf("missing --csv")
	}

	rows, conflicts := readCountySeedCSV(csvPath)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, url)
	if err != nil {
		fatal(err)
	}
	defer conn.Close(context.Background())

	existingDomains, existingCounties := loadCountyState(ctx, conn)

	valid, moreConflicts := validateCountySeedRows(rows, existingDomains, existingCounties)
	conflicts = append(conflicts, moreConflicts...)
	if len(conflicts) > 0 {
		for _, c := range conflicts {
			fmt.Fprintf(os.Stderr, "line %d: %s (%s)\n", c.line, c.reason, c.value)
		}
		fatalf("%d conflict(s), nothing written", len(conflicts))
	}

	alreadyMapped := 0
	for _, r := range valid {
		if r.alreadyMapped {
			alreadyMapped++
		}
	}

	if !apply {
		fmt.Printf("[seed-counties] valid=%d pending=%d already_mapped=%d (dry run, use --apply)\n",
			len(valid), len(valid)-alreadyMapped, alreadyMapped)
		return
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		fatal(err)
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	inserted := 0
	for _, r := range valid {
		if r.alreadyMapped {
			continue
		}
		if _, err := tx.Exec(ctx, `INSERT INTO sync.counties (id, name) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING;`, r.countyID, r.name); err != nil {
			fatal(err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO sync.county_domains (hostname, county_id) VALUES ($1, $2);`, r.domain, r.countyID); err != nil {
			fatal(err)
		}
		inserted++
	}

	if err := tx.Commit(ctx); err != nil {
		fatal(err)
	}

	fmt.Printf("[seed-counties] OK inserted=%d already_mapped=%d\n", inserted, alreadyMapped)
}

// readCountySeedCSV lowercases domains before validating them; county ids and
// names are taken as written.
func readCountySeedCSV(path string) ([]countySeedRow, []countySeedConflict) {
	f, err := os.Open(path)
	if err != nil {
		fatal(err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 3
	records, err := r.ReadAll()
	if err != nil {
		fatal(err)
	}
	if len(records) == 0 {
		fatalf("empty csv: %s", path)
	}
	header := records[0]
	if header[0] != "county_id" || header[1] != "domain" || header[2] != "name" {
		fatalf("expected header county_id,domain,name, got %s", strings.Join(header, ","))
	}

	var rows []countySeedRow
	var conflicts []countySeedConflict
	for i, rec := range records[1:] {
		line := i + 2
		countyID := rec[0]
		domain := strings.ToLower(rec[1])
		name := strings.TrimSpace(rec[2])
		switch {
		case !reCountyID.MatchString(countyID):
			conflicts = append(conflicts, countySeedConflict{line: line, value: rec[0], reason: "county_id_invalid"})
		case !reHostname.MatchString(domain):
			conflicts = append(conflicts, countySeedConflict{line: line, value: rec[1], reason: "domain_invalid"})
		case name == "":
			conflicts = append(conflicts, countySeedConflict{line: line, value: rec[2], reason: "name_missing"})
		default:
			rows = append(rows, countySeedRow{line: line, countyID: countyID, domain: domain, name: name})
		}
	}
	return rows, conflicts
}

// validateCountySeedRows checks rows against each other and against current
// database state. A domain already mapped to the same county is valid and
// marked alreadyMapped so apply can skip it.
func validateCountySeedRows(rows []countySeedRow, existingDomains map[string]string, existingCounties map[string]string) ([]countySeedRow, []countySeedConflict) {
	var valid []countySeedRow
	var conflicts []countySeedConflict
	seenDomains := make(map[string]int)
	seenNames := make(map[string]string)

	for _, r := range rows {
		if _, ok := seenDomains[r.domain]; ok {
			conflicts = append(conflicts, countySeedConflict{line: r.line, value: r.domain, reason: "domain_duplicate_input"})
			continue
		}
		seenDomains[r.domain] = r.line

		if name, ok := seenNames[r.countyID]; ok && name != r.name {
			conflicts = append(conflicts, countySeedConflict{line: r.line, value: r.countyID, reason: "county_name_conflict_input"})
			continue
		}
		seenNames[r.countyID] = r.name

		if name, ok := existingCounties[r.countyID]; ok && name != r.name {
			conflicts = append(conflicts, countySeedConflict{line: r.line, value: r.countyID, reason: "county_name_conflict_db"})
			continue
		}

		if owner, ok := existingDomains[r.domain]; ok {
			if owner != r.countyID {
				conflicts = append(conflicts, countySeedConflict{line: r.line, value: r.domain, reason: "domain_conflict_db"})
				continue
			}
			r.alreadyMapped = true
		}

		valid = append(valid, r)
	}
	return valid, conflicts
}

func loadCountyState(ctx context.Context, conn *pgx.Conn) (map[string]string, map[string]string) {
	domains := make(map[string]string)
	rows, err := conn.Query(ctx, `SELECT hostname, county_id FROM sync.county_domains;`)
	if err != nil {
		fatal(err)
	}
	for rows.Next() {
		var hostname, countyID string
		if err := rows.Scan(&hostname, &countyID); err != nil {
			rows.Close()
			fatal(err)
		}
		domains[hostname] = countyID
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		fatal(err)
	}

	counties := make(map[string]string)
	rows, err = conn.Query(ctx, `SELECT id, name FROM sync.counties;`)
	if err != nil {
		fatal(err)
	}
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			rows.Close()
			fatal(err)
		}
		counties[id] = name
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		fatal(err)
	}

	return domains, counties
}
