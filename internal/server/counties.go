package server

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/yaml.v3"
)

type County struct {
	ID     string `yaml:"id"`
	Domain string `yaml:"domain"`
	Name   string `yaml:"name"`
}

type CountyResolver interface {
	ResolveCounty(ctx context.Context, hostname string) (County, bool, error)
}

type countiesFile struct {
	Version  int      `yaml:"version"`
	Counties []County `yaml:"counties"`
}

func loadCounties() (map[string]County, error) {
	path := os.Getenv("COUNTIES_PATH")
	if path == "" {
		p, err := defaultCountiesPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cf countiesFile
	if err := yaml.Unmarshal(b, &cf); err != nil {
		return nil, err
	}
	if cf.Version != 1 {
		return nil, errors.New("counties: unsupported version")
	}
	if len(cf.Counties) == 0 {
		return nil, errors.New("counties: empty")
	}

	m := make(map[string]County, len(cf.Counties))
	for _, c := range cf.Counties {
		if c.Domain == "" || c.ID == "" {
			return nil, errors.New("counties: invalid county")
		}
		m[c.Domain] = c
	}
	return m, nil
}

func defaultCountiesPath() (string, error) {
	path := "config/counties.yaml"
	for i := 0; i < 8; i++ {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		path = filepath.Join("..", path)
	}
	return "", errors.New("server: counties config not found")
}

type staticCountyResolver struct {
	counties map[string]County
}

func newStaticCountyResolver(counties map[string]County) CountyResolver {
	m := make(map[string]County, len(counties))
	for k, v := range counties {
		m[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return &staticCountyResolver{counties: m}
}

func (r *staticCountyResolver) ResolveCounty(_ context.Context, hostname string) (County, bool, error) {
	hostname = strings.ToLower(strings.TrimSpace(hostname))
	if hostname == "" {
		return County{}, false, nil
	}
	c, ok := r.counties[hostname]
	return c, ok, nil
}

type countyDBResolver struct {
	q queryRower
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func newCountyDBResolver(pool *pgxpool.Pool) CountyResolver {
	return &countyDBResolver{q: pool}
}

func (r *countyDBResolver) ResolveCounty(ctx context.Context, hostname string) (County, bool, error) {
	hostname = strings.ToLower(strings.TrimSpace(hostname))
	if hostname == "" {
		return County{}, false, nil
	}

	var countyID string
	var countyName string

	err := r.q.QueryRow(ctx, `
SELECT c.id::text, c.name
FROM sync.county_domains d
JOIN sync.counties c ON c.id = d.county_id
WHERE d.hostname = $1
  AND c.is_active = true
LIMIT 1
`, hostname).Scan(&countyID, &countyName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return County{}, false, nil
		}
		return County{}, false, err
	}
	return County{ID: countyID, Domain: hostname, Name: countyName}, true, nil
}
