// README: Bench cases; connectivity, lifecycle over HTTP, accept races and SQL audits of the availability ledger.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"ambudispatch/internal/infra"
)

const (
	statusPass = "PASS"
	statusFail = "FAIL"
	statusSkip = "SKIP"

	benchVehicleType = "vt-bench"
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client
	jwt   *infra.JWT

	run     string
	patient string
	drivers []string
	pickup  string
	dropoff string
	seeded  bool
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Concurrency < 2 {
		return nil, errors.New("concurrency must be at least 2")
	}
	r := &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
		run:   fmt.Sprintf("%d", time.Now().UnixNano()%1_000_000_000),
	}
	if cfg.JWTSecret != "" {
		j, err := infra.NewJWT(cfg.JWTSecret, cfg.JWTIssuer)
		if err != nil {
			return nil, err
		}
		r.jwt = j
	}
	r.patient = "bench-p-" + r.run
	for i := 0; i < cfg.Concurrency; i++ {
		r.drivers = append(r.drivers, fmt.Sprintf("bench-u-%s-%d", r.run, i))
	}
	return r, nil
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	var dbErr, redisErr error
	if r.cfg.DSN != "" {
		r.db, dbErr = infra.NewDB(ctx, r.cfg.DSN)
	}
	if r.cfg.RedisAddr != "" {
		r.redis, redisErr = infra.NewRedis(ctx, r.cfg.RedisAddr)
	}

	tests := r.cases(dbErr, redisErr)
	results := make([]Result, 0, len(tests))
	for _, tc := range tests {
		res := tc.Run(ctx, r)
		res.Name = tc.Name
		results = append(results, res)
		fmt.Printf("%-5s %s", res.Status, tc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}

	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}
	return results
}

func (r *Runner) cases(dbErr, redisErr error) []TestCase {
	return []TestCase{
		{
			Name: "Env: Postgres connect",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return fail(dbErr, "db not configured")
				}
				return Result{Status: statusPass}
			},
		},
		{
			Name: "Env: Redis connect",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.cfg.RedisAddr == "" {
					return Result{Status: statusSkip, Note: "redis not configured"}
				}
				if r.redis == nil {
					return fail(redisErr, "redis unavailable")
				}
				return Result{Status: statusPass}
			},
		},
		{
			Name: "Migration: apply (optional)",
			Run: func(ctx context.Context, r *Runner) Result {
				if !r.cfg.ApplyMigration {
					return Result{Status: statusSkip, Note: "apply-migration=false"}
				}
				if r.db == nil {
					return Result{Status: statusFail, Note: "db not configured"}
				}
				sql, err := os.ReadFile(r.cfg.MigrationPath)
				if err != nil {
					return fail(err, "")
				}
				for _, s := range splitSQL(string(sql)) {
					if _, err := r.db.Exec(ctx, s); err != nil {
						return fail(err, "")
					}
				}
				return Result{Status: statusPass}
			},
		},
		{
			Name: "Migration: tables exist",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: statusFail, Note: "db not configured"}
				}
				tables, err := extractTables(r.cfg.MigrationPath)
				if err != nil {
					return fail(err, "")
				}
				for _, t := range tables {
					var exists bool
					err := r.db.QueryRow(ctx,
						"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)",
						t,
					).Scan(&exists)
					if err != nil {
						return fail(err, "")
					}
					if !exists {
						return Result{Status: statusFail, Note: "missing table: " + t}
					}
				}
				return Result{Status: statusPass, Note: fmt.Sprintf("tables=%d", len(tables))}
			},
		},
		{
			Name: "API: health",
			Run: func(ctx context.Context, r *Runner) Result {
				code, _, latency, err := r.call(ctx, http.MethodGet, "/health", "", nil)
				if err != nil {
					return fail(err, "")
				}
				return expect(code, latency, http.StatusOK)
			},
		},
		{
			Name: "API: missing token -> 401",
			Run: func(ctx context.Context, r *Runner) Result {
				code, _, latency, err := r.call(ctx, http.MethodGet, "/api/requests", "", nil)
				if err != nil {
					return fail(err, "")
				}
				return expect(code, latency, http.StatusUnauthorized)
			},
		},
		{
			Name: "Seed: bench patient, drivers and free vehicles",
			Run:  func(ctx context.Context, r *Runner) Result { return r.seed(ctx) },
		},
		{
			Name: "Flow: submit, accept, start, end",
			Run:  func(ctx context.Context, r *Runner) Result { return r.lifecycle(ctx) },
		},
		{
			Name: "Concurrency: many drivers accept one request",
			Run:  func(ctx context.Context, r *Runner) Result { return r.acceptRace(ctx) },
		},
		{
			Name: "Concurrency: cancel vs accept",
			Run:  func(ctx context.Context, r *Runner) Result { return r.cancelAcceptRace(ctx) },
		},

		sqlZero("Invariant: no free vehicle backs an active request", `
			SELECT COUNT(*) FROM requests r
			JOIN availability a ON a.vehicle_id = r.vehicle_id
			WHERE r.status IN ('accepted','in_progress') AND a.free`),
		sqlZero("Invariant: at most one active request per vehicle", `
			SELECT COUNT(*) FROM (
				SELECT vehicle_id FROM requests
				WHERE status IN ('accepted','in_progress')
				GROUP BY vehicle_id HAVING COUNT(*) > 1
			) dup`),
		sqlZero("Invariant: assigned operator iff accepted or later", `
			SELECT COUNT(*) FROM requests
			WHERE (operator_id IS NOT NULL) <> (status IN ('accepted','in_progress','completed'))`),
		sqlZero("Invariant: trip status mirrors request status", `
			SELECT COUNT(*) FROM trips t
			JOIN requests r ON r.id = t.request_id
			WHERE (t.status = 'in_progress') <> (r.status = 'in_progress')
			   OR (t.status = 'completed') <> (r.status = 'completed')`),
		sqlZero("Invariant: completed trips are priced and billed", `
			SELECT COUNT(*) FROM trips t
			LEFT JOIN payments p ON p.trip_id = t.id
			WHERE t.status = 'completed'
			  AND (t.ended_at IS NULL OR t.fare_amount IS NULL OR p.id IS NULL OR p.amount <> t.fare_amount)`),
		{
			Name: "Invariant: fares follow the configured schedule",
			Run: func(ctx context.Context, r *Runner) Result {
				return r.countZero(ctx, `
					SELECT COUNT(*) FROM trips
					WHERE status = 'completed'
					  AND fare_amount <> $1 + $2 * GREATEST(0, FLOOR(EXTRACT(EPOCH FROM (ended_at - started_at)) / 60))::BIGINT`,
					r.cfg.FareBase, r.cfg.FarePerMinute)
			},
		},
		sqlZero("Invariant: every trip has a start history entry", `
			SELECT COUNT(*) FROM trips t
			WHERE NOT EXISTS (
				SELECT 1 FROM trip_status_history h
				WHERE h.trip_id = t.id AND h.status = 'in_progress'
			)`),

		{
			Name: "Perf: request submit throughput",
			Run:  func(ctx context.Context, r *Runner) Result { return r.submitLoad(ctx) },
		},
	}
}

func (r *Runner) seed(ctx context.Context) Result {
	if r.db == nil {
		return Result{Status: statusSkip, Note: "db not configured"}
	}
	now := time.Now().UTC()
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO vehicle_types (id, name) VALUES ($1, 'Bench Ambulance') ON CONFLICT DO NOTHING`, benchVehicleType); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `INSERT INTO users (id, name, role) VALUES ($1, 'Bench Patient', 'patient')`, r.patient); err != nil {
			return err
		}
		r.pickup, r.dropoff = "bench-loc-"+r.run+"-a", "bench-loc-"+r.run+"-b"
		if _, err := tx.Exec(ctx, `INSERT INTO locations (id, owner_id, address, lat, lng, created_at)
			VALUES ($1, $3, 'Bench pickup', 24.8607, 67.0011, $4), ($2, $3, 'Bench hospital', 24.8918, 67.0746, $4)`,
			r.pickup, r.dropoff, r.patient, now); err != nil {
			return err
		}
		for i, uid := range r.drivers {
			did := fmt.Sprintf("bench-d-%s-%d", r.run, i)
			vid := fmt.Sprintf("bench-v-%s-%d", r.run, i)
			at := now.Add(time.Duration(i) * time.Millisecond)
			if _, err := tx.Exec(ctx, `INSERT INTO users (id, name, role) VALUES ($1, $1, 'driver')`, uid); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `INSERT INTO drivers (id, user_id, license_number, created_at) VALUES ($1, $2, $1, $3)`, did, uid, at); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `INSERT INTO vehicles (id, owner_id, type_id, number, created_at) VALUES ($1, $2, $3, $4, $5)`,
				vid, did, benchVehicleType, strings.ToUpper(vid), at); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `INSERT INTO availability (vehicle_id, free, updated_at) VALUES ($1, TRUE, $2)`, vid, at); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fail(err, "")
	}
	r.seeded = true
	return Result{Status: statusPass, Note: fmt.Sprintf("run=%s drivers=%d", r.run, len(r.drivers))}
}

func (r *Runner) lifecycle(ctx context.Context) Result {
	if res, ok := r.ready(); !ok {
		return res
	}
	start := time.Now()
	patient := r.token(r.patient, "patient")
	driver := r.token(r.drivers[0], "driver")

	reqID, res, ok := r.submit(ctx, patient)
	if !ok {
		return res
	}
	steps := []struct {
		path string
		want int
	}{
		{"/api/driver/requests/" + reqID + "/accept", http.StatusOK},
		{"/api/driver/requests/" + reqID + "/start", http.StatusCreated},
	}
	var tripID string
	for _, s := range steps {
		code, body, _, err := r.call(ctx, http.MethodPost, s.path, driver, nil)
		if err != nil {
			return fail(err, "")
		}
		if code != s.want {
			return Result{Status: statusFail, Note: fmt.Sprintf("%s: status=%d body=%s", s.path, code, body)}
		}
		var out struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(body, &out)
		tripID = out.ID
	}

	code, body, _, err := r.call(ctx, http.MethodPost, "/api/driver/trips/"+tripID+"/end", driver, nil)
	if err != nil {
		return fail(err, "")
	}
	if code != http.StatusOK {
		return Result{Status: statusFail, Note: fmt.Sprintf("end: status=%d body=%s", code, body)}
	}
	var ended struct {
		Trip struct {
			Fare struct {
				Amount int64 `json:"amount"`
			} `json:"fare"`
		} `json:"trip"`
		Payment struct {
			Status string `json:"status"`
		} `json:"payment"`
	}
	if err := json.Unmarshal(body, &ended); err != nil {
		return fail(err, "")
	}
	if ended.Trip.Fare.Amount < r.cfg.FareBase || ended.Payment.Status != "pending" {
		return Result{Status: statusFail, Note: fmt.Sprintf("fare=%d payment=%s", ended.Trip.Fare.Amount, ended.Payment.Status)}
	}
	return Result{Status: statusPass, Latency: time.Since(start), Note: fmt.Sprintf("trip=%s fare=%d", tripID, ended.Trip.Fare.Amount)}
}

func (r *Runner) acceptRace(ctx context.Context) Result {
	if res, ok := r.ready(); !ok {
		return res
	}
	reqID, res, ok := r.submit(ctx, r.token(r.patient, "patient"))
	if !ok {
		return res
	}

	calls := make([]raceCall, 0, len(r.drivers))
	for _, uid := range r.drivers {
		calls = append(calls, raceCall{path: "/api/driver/requests/" + reqID + "/accept", token: r.token(uid, "driver")})
	}
	counts, latency := r.race(ctx, calls)
	note := fmt.Sprintf("ok=%d conflict=%d other=%d", counts.ok, counts.conflict, counts.other)
	if counts.ok != 1 || counts.other != 0 {
		return Result{Status: statusFail, Latency: latency, Note: note}
	}
	return Result{Status: statusPass, Latency: latency, Note: note}
}

func (r *Runner) cancelAcceptRace(ctx context.Context) Result {
	if res, ok := r.ready(); !ok {
		return res
	}
	patient := r.token(r.patient, "patient")
	reqID, res, ok := r.submit(ctx, patient)
	if !ok {
		return res
	}

	calls := []raceCall{{path: "/api/requests/" + reqID + "/cancel", token: patient}}
	for _, uid := range r.drivers {
		calls = append(calls, raceCall{path: "/api/driver/requests/" + reqID + "/accept", token: r.token(uid, "driver")})
	}
	counts, latency := r.race(ctx, calls)
	note := fmt.Sprintf("ok=%d conflict=%d other=%d", counts.ok, counts.conflict, counts.other)
	// A cancel that loses answers 400 (no longer pending) or 409.
	if counts.ok != 1 {
		return Result{Status: statusFail, Latency: latency, Note: note}
	}
	return Result{Status: statusPass, Latency: latency, Note: note}
}

type raceCall struct {
	path  string
	token string
}

type raceCounts struct {
	ok, conflict, other int
}

// race fires all calls at once behind a start barrier.
func (r *Runner) race(ctx context.Context, calls []raceCall) (raceCounts, time.Duration) {
	var (
		counts raceCounts
		mu     sync.Mutex
		wg     sync.WaitGroup
	)
	startCh := make(chan struct{})
	for _, c := range calls {
		wg.Add(1)
		go func(c raceCall) {
			defer wg.Done()
			<-startCh
			code, _, _, err := r.call(ctx, http.MethodPost, c.path, c.token, nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				counts.other++
			case code >= 200 && code < 300:
				counts.ok++
			case code == http.StatusConflict || code == http.StatusBadRequest:
				counts.conflict++
			default:
				counts.other++
			}
		}(c)
	}
	start := time.Now()
	close(startCh)
	wg.Wait()
	return counts, time.Since(start)
}

func (r *Runner) submitLoad(ctx context.Context) Result {
	if res, ok := r.ready(); !ok {
		return res
	}
	body, _ := json.Marshal(map[string]string{"pickup_id": r.pickup, "dropoff_id": r.dropoff})
	token := r.token(r.patient, "patient")
	end := time.Now().Add(r.cfg.Duration)

	var (
		count, errCount int64
		mu              sync.Mutex
		wg              sync.WaitGroup
	)
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(end) && ctx.Err() == nil {
				code, _, _, err := r.call(ctx, http.MethodPost, "/api/requests", token, bytes.NewReader(body))
				mu.Lock()
				if err != nil || code != http.StatusCreated {
					errCount++
				} else {
					count++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if count == 0 {
		return Result{Status: statusFail, Note: fmt.Sprintf("no requests completed errors=%d", errCount)}
	}
	rps := float64(count) / r.cfg.Duration.Seconds()
	return Result{Status: statusPass, Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errCount)}
}

func (r *Runner) submit(ctx context.Context, token string) (string, Result, bool) {
	body, _ := json.Marshal(map[string]string{"pickup_id": r.pickup, "dropoff_id": r.dropoff})
	code, resp, _, err := r.call(ctx, http.MethodPost, "/api/requests", token, bytes.NewReader(body))
	if err != nil {
		return "", fail(err, ""), false
	}
	if code != http.StatusCreated {
		return "", Result{Status: statusFail, Note: fmt.Sprintf("submit: status=%d body=%s", code, resp)}, false
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(resp, &out); err != nil || out.ID == "" {
		return "", Result{Status: statusFail, Note: "submit: missing id"}, false
	}
	return out.ID, Result{}, true
}

func (r *Runner) ready() (Result, bool) {
	if r.jwt == nil {
		return Result{Status: statusSkip, Note: "jwt secret not configured"}, false
	}
	if !r.seeded {
		return Result{Status: statusSkip, Note: "bench data not seeded"}, false
	}
	return Result{}, true
}

func (r *Runner) token(uid, role string) string {
	tok, err := r.jwt.Issue(uid, role, time.Hour)
	if err != nil {
		panic(err)
	}
	return tok
}

func (r *Runner) call(ctx context.Context, method, path, token string, body io.Reader) (int, []byte, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, body)
	if err != nil {
		return 0, nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	start := time.Now()
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, nil, 0, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	return resp.StatusCode, b, time.Since(start), err
}

func (r *Runner) countZero(ctx context.Context, query string, args ...any) Result {
	if r.db == nil {
		return Result{Status: statusSkip, Note: "db not configured"}
	}
	var n int64
	if err := r.db.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return fail(err, "")
	}
	if n != 0 {
		return Result{Status: statusFail, Note: fmt.Sprintf("violations=%d", n)}
	}
	return Result{Status: statusPass}
}

func sqlZero(name, query string) TestCase {
	return TestCase{
		Name: name,
		Run: func(ctx context.Context, r *Runner) Result {
			return r.countZero(ctx, query)
		},
	}
}

func expect(code int, latency time.Duration, want int) Result {
	if code == want {
		return Result{Status: statusPass, Latency: latency, Note: fmt.Sprintf("status=%d", code)}
	}
	return Result{Status: statusFail, Latency: latency, Note: fmt.Sprintf("status=%d want=%d", code, want)}
}

func fail(err error, fallback string) Result {
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	return Result{Status: statusFail, Note: fallback}
}

func extractTables(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	re := regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)
	matches := re.FindAllStringSubmatch(string(b), -1)
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		tables = append(tables, m[1])
	}
	return tables, nil
}

func splitSQL(sql string) []string {
	lines := strings.Split(sql, "\n")
	filtered := make([]string, 0, len(lines))
	for _, line := range lines {
		l := strings.TrimSpace(line)
		if strings.HasPrefix(l, "--") || l == "" {
			continue
		}
		filtered = append(filtered, line)
	}
	parts := strings.Split(strings.Join(filtered, "\n"), ";")
	stmts := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
