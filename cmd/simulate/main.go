package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hackgods/telemedicine-scheduling/internal/config"
	"github.com/hackgods/telemedicine-scheduling/internal/db"
	"github.com/hackgods/telemedicine-scheduling/internal/logger"
)

type SimConfig struct {
	APIBaseURL  string
	Duration    time.Duration
	Workers     int
	Patients    int
	BookRatio   float64 // share of successful holds that are finalized
	DoctorLimit int
	Days        int
	PostgresDSN string
}

type slotRef struct {
	DoctorID uuid.UUID
	Date     string
	Time     string
	Mode     string
}

type DataPool struct {
	Doctors  []uuid.UUID
	Patients []uuid.UUID
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case success:
		atomic.AddInt64(&om.Success, 1)
	case conflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[percentileIndex(len(latencies), 50)]
	p95 = latencies[percentileIndex(len(latencies), 95)]
	return avg, min, max, p50, p95
}

func percentileIndex(n, p int) int {
	idx := n * p / 100
	if idx >= n {
		idx = n - 1
	}
	return idx
}

type Metrics struct {
	Availability OperationMetrics
	Hold         OperationMetrics
	Book         OperationMetrics
	Release      OperationMetrics
	List         OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
	log     *zap.Logger
}

func main() {
	log, err := logger.New("dev", "info")
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg := loadConfig(log)
	if err := validateConfig(cfg); err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}

	log.Info("simulator starting",
		zap.Duration("duration", cfg.Duration),
		zap.Int("workers", cfg.Workers),
		zap.Int("patients", cfg.Patients),
		zap.Float64("book_ratio", cfg.BookRatio),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{MaxConns: 2})
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		log.Fatal("load data pool", zap.Error(err))
	}
	log.Info("loaded data pool", zap.Int("doctors", len(dataPool.Doctors)), zap.Int("patients", len(dataPool.Patients)))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}

	sim.Run()
	sim.PrintReport()
}

func loadConfig(log *zap.Logger) SimConfig {
	baseCfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load base config", zap.Error(err))
	}

	return SimConfig{
		APIBaseURL:  getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:    getDuration("SIM_DURATION", 30*time.Second),
		Workers:     getInt("SIM_WORKERS", 20),
		Patients:    getInt("SIM_PATIENTS", 200),
		BookRatio:   getFloat("SIM_BOOK_RATIO", 0.7),
		DoctorLimit: getInt("SIM_DOCTOR_LIMIT", 10),
		Days:        getInt("SIM_DAYS", 7),
		PostgresDSN: baseCfg.PostgresDSN,
	}
}

func validateConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.Patients <= 0 {
		return fmt.Errorf("SIM_PATIENTS must be > 0")
	}
	return nil
}

// loadDataPool picks a few doctors with open calendars so that workers
// compete for the same slots.
func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{}

	rows, err := pool.Query(ctx, `
		SELECT DISTINCT doctor_id FROM availability
		WHERE calendar_date > current_date AND cardinality(slots) > 0
		LIMIT $1
	`, cfg.DoctorLimit)
	if err != nil {
		return nil, fmt.Errorf("load doctors: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dataPool.Doctors = append(dataPool.Doctors, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(dataPool.Doctors) == 0 {
		return nil, fmt.Errorf("no doctors with future availability, run cmd/seed first")
	}

	for i := 0; i < cfg.Patients; i++ {
		dataPool.Patients = append(dataPool.Patients, uuid.New())
	}
	return dataPool, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.log.Info("starting simulation")

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.log.Info("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for ctx.Err() == nil {
		patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]
		doctorID := s.pool.Doctors[rng.Intn(len(s.pool.Doctors))]

		if rng.Intn(5) == 0 {
			s.doList(ctx, patientID)
			continue
		}

		slot, ok := s.doAvailability(ctx, rng, doctorID)
		if !ok {
			continue
		}

		token, ok := s.doHold(ctx, patientID, slot)
		if !ok {
			continue
		}

		if rng.Float64() < s.config.BookRatio {
			s.doBook(ctx, patientID, token)
		} else {
			s.doRelease(ctx, patientID, token)
		}
	}
}

func (s *Simulator) request(ctx context.Context, method, path string, patientID uuid.UUID, body any) (*http.Response, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", patientID.String())
	req.Header.Set("X-User-Role", "patient")
	return s.client.Do(req)
}

func (s *Simulator) doAvailability(ctx context.Context, rng *rand.Rand, doctorID uuid.UUID) (slotRef, bool) {
	from := time.Now().UTC().AddDate(0, 0, 1)
	to := from.AddDate(0, 0, s.config.Days-1)
	path := fmt.Sprintf("/availability?doctor_id=%s&from=%s&to=%s",
		doctorID, from.Format(time.DateOnly), to.Format(time.DateOnly))

	start := time.Now()
	resp, err := s.request(ctx, http.MethodGet, path, uuid.New(), nil)
	latency := time.Since(start)
	if err != nil {
		s.metrics.Availability.Record(latency, false, false)
		return slotRef{}, false
	}
	defer resp.Body.Close()

	var days []struct {
		Date  string `json:"date"`
		Mode  string `json:"mode"`
		Slots []struct {
			Time string `json:"time"`
			Free bool   `json:"free"`
		} `json:"slots"`
	}
	ok := resp.StatusCode == http.StatusOK && json.NewDecoder(resp.Body).Decode(&days) == nil
	s.metrics.Availability.Record(latency, ok, false)
	if !ok {
		return slotRef{}, false
	}

	var free []slotRef
	for _, d := range days {
		for _, st := range d.Slots {
			if st.Free {
				free = append(free, slotRef{DoctorID: doctorID, Date: d.Date, Time: st.Time, Mode: d.Mode})
			}
		}
	}
	if len(free) == 0 {
		return slotRef{}, false
	}
	// Favour the earliest slots to create contention.
	n := len(free)
	if n > 3 {
		n = 3
	}
	return free[rng.Intn(n)], true
}

func (s *Simulator) doHold(ctx context.Context, patientID uuid.UUID, slot slotRef) (string, bool) {
	start := time.Now()
	resp, err := s.request(ctx, http.MethodPost, "/appointments/hold", patientID, map[string]any{
		"doctor_id": slot.DoctorID,
		"date":      slot.Date,
		"time":      slot.Time,
		"mode":      slot.Mode,
	})
	latency := time.Since(start)
	if err != nil {
		s.metrics.Hold.Record(latency, false, false)
		return "", false
	}
	defer resp.Body.Close()

	var hold struct {
		HoldToken string `json:"hold_token"`
	}
	success := resp.StatusCode == http.StatusCreated && json.NewDecoder(resp.Body).Decode(&hold) == nil
	s.metrics.Hold.Record(latency, success, resp.StatusCode == http.StatusConflict)
	return hold.HoldToken, success
}

func (s *Simulator) doBook(ctx context.Context, patientID uuid.UUID, token string) {
	start := time.Now()
	resp, err := s.request(ctx, http.MethodPost, "/appointments", patientID, map[string]any{
		"hold_token":      token,
		"patient_details": map[string]any{"name": "Load Test " + patientID.String()[:8]},
		"fee":             "0",
	})
	latency := time.Since(start)

	success, conflict := false, false
	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusCreated
		conflict = resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusGone
	}
	s.metrics.Book.Record(latency, success, conflict)
}

func (s *Simulator) doRelease(ctx context.Context, patientID uuid.UUID, token string) {
	start := time.Now()
	resp, err := s.request(ctx, http.MethodDelete, "/appointments/hold/"+token, patientID, nil)
	latency := time.Since(start)

	success := false
	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusNoContent
	}
	s.metrics.Release.Record(latency, success, false)
}

func (s *Simulator) doList(ctx context.Context, patientID uuid.UUID) {
	start := time.Now()
	resp, err := s.request(ctx, http.MethodGet, "/appointments?scope=upcoming&limit=20", patientID, nil)
	latency := time.Since(start)

	success := false
	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
	}
	s.metrics.List.Record(latency, success, false)
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Availability", &s.metrics.Availability)
	printOperationReport("Hold", &s.metrics.Hold)
	printOperationReport("Book", &s.metrics.Book)
	printOperationReport("Release", &s.metrics.Release)
	printOperationReport("List upcoming", &s.metrics.List)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
