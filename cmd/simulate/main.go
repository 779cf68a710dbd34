// simulate fires concurrent booking attempts at a running api-server and
// verifies the core contention guarantee from the outside: for each contested
// slot exactly one attempt wins, everyone else gets a conflict.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

type simConfig struct {
	APIBaseURL string
	Slots      int
	Workers    int
	Operator   string
	Password   string
	Date       string
	ProviderID string
	PatientIDs []string
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
}

type bookRequest struct {
	PatientID  string `json:"patient_id"`
	ProviderID string `json:"provider_id"`
	SlotDate   string `json:"slot_date"`
	SlotTime   string `json:"slot_time"`
}

type slotResult struct {
	created  int64
	conflict int64
	invalid  int64
	errored  int64
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	var (
		baseURL    = flag.String("base-url", getenv("API_BASE_URL", "http://localhost:8080"), "api-server base url")
		slots      = flag.Int("slots", 10, "number of distinct slots to contest")
		workers    = flag.Int("workers", 20, "concurrent booking attempts per slot")
		operator   = flag.String("operator", getenv("SIM_OPERATOR", "ops@clinicdesk.test"), "operator login identifier")
		password   = flag.String("password", getenv("SIM_PASSWORD", "password123"), "operator login password")
		providerID = flag.String("provider-id", os.Getenv("SIM_PROVIDER_ID"), "provider UUID to book against")
		patientsCS = flag.String("patient-ids", os.Getenv("SIM_PATIENT_IDS"), "comma separated patient UUIDs")
	)
	flag.Parse()

	if *providerID == "" || *patientsCS == "" {
		log.Fatal("provider-id and patient-ids are required (seed the database first)")
	}

	cfg := simConfig{
		APIBaseURL: *baseURL,
		Slots:      *slots,
		Workers:    *workers,
		Operator:   *operator,
		Password:   *password,
		Date:       time.Now().AddDate(0, 0, 7).Format("2006-01-02"),
		ProviderID: *providerID,
	}
	cfg.PatientIDs = splitNonEmpty(*patientsCS)
	if len(cfg.PatientIDs) == 0 {
		log.Fatal("patient-ids parsed to nothing")
	}

	token, err := login(cfg)
	if err != nil {
		log.Fatalf("login failed: %v", err)
	}
	log.Printf("logged in as %s", cfg.Operator)

	var totals slotResult
	start := time.Now()

	for slot := 0; slot < cfg.Slots; slot++ {
		timeLabel := fmt.Sprintf("%02d:%02d", 9+slot/4, (slot%4)*15)
		res := contestSlot(cfg, token, timeLabel)

		if res.created != 1 {
			log.Printf("VIOLATION slot %s/%s: %d bookings created (want exactly 1)", cfg.Date, timeLabel, res.created)
		}

		totals.created += res.created
		totals.conflict += res.conflict
		totals.invalid += res.invalid
		totals.errored += res.errored
	}

	attempts := int64(cfg.Slots * cfg.Workers)
	log.Printf("done in %s: attempts=%d created=%d conflict=%d invalid=%d error=%d",
		time.Since(start), attempts, totals.created, totals.conflict, totals.invalid, totals.errored)

	if totals.created != int64(cfg.Slots) {
		log.Fatalf("expected exactly %d created bookings, got %d", cfg.Slots, totals.created)
	}
	log.Println("no double booking observed")
}

func contestSlot(cfg simConfig, token, timeLabel string) slotResult {
	var res slotResult
	var wg sync.WaitGroup

	for w := 0; w < cfg.Workers; w++ {
		patient := cfg.PatientIDs[w%len(cfg.PatientIDs)]
		wg.Add(1)
		go func(patientID string) {
			defer wg.Done()

			status, err := book(cfg, token, bookRequest{
				PatientID:  patientID,
				ProviderID: cfg.ProviderID,
				SlotDate:   cfg.Date,
				SlotTime:   timeLabel,
			})
			switch {
			case err != nil:
				atomic.AddInt64(&res.errored, 1)
			case status == http.StatusCreated:
				atomic.AddInt64(&res.created, 1)
			case status == http.StatusConflict:
				atomic.AddInt64(&res.conflict, 1)
			case status == http.StatusUnprocessableEntity:
				atomic.AddInt64(&res.invalid, 1)
			default:
				atomic.AddInt64(&res.errored, 1)
			}
		}(patient)
	}

	wg.Wait()
	return res
}

func login(cfg simConfig) (string, error) {
	body, _ := json.Marshal(map[string]string{
		"identifier": cfg.Operator,
		"password":   cfg.Password,
	})

	resp, err := http.Post(cfg.APIBaseURL+"/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("login status %d: %s", resp.StatusCode, data)
	}

	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return "", err
	}
	return lr.AccessToken, nil
}

func book(cfg simConfig, token string, req bookRequest) (int, error) {
	body, _ := json.Marshal(req)

	httpReq, err := http.NewRequest(http.MethodPost, cfg.APIBaseURL+"/appointments", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}

func splitNonEmpty(csv string) []string {
	var out []string
	for _, part := range bytes.Split([]byte(csv), []byte(",")) {
		p := string(bytes.TrimSpace(part))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
