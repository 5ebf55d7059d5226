package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"time"
)

// The simulator submits raster-ingest jobs at a configurable rate so the
// whole pipeline can be exercised under load. One in ten collections is
// poisoned to keep the retry and partial-failure paths warm.
func main() {
	apiURL := os.Getenv("API_URL")
	if apiURL == "" {
		apiURL = "http://api:8080/jobs"
	}

	ratePerSec := 1
	if v := os.Getenv("RATE_PER_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			ratePerSec = n
		}
	}

	concurrency := 1
	if v := os.Getenv("CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			concurrency = n
		}
	}

	work := make(chan struct{})
	for i := 0; i < concurrency; i++ {
		go func() {
			for range work {
				submit(apiURL)
			}
		}()
	}

	interval := time.Second / time.Duration(ratePerSec)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.Printf("submitting %d jobs/sec to %s with concurrency %d", ratePerSec, apiURL, concurrency)
	for range ticker.C {
		work <- struct{}{}
	}
}

func submit(apiURL string) {
	collection := fmt.Sprintf("sentinel2-l2a-%06d", rand.Intn(1_000_000))
	if rand.Intn(10) == 0 {
		collection += "-poison"
	}
	body := map[string]any{
		"job_type": "raster_ingest",
		"parameters": map[string]any{
			"collection":  collection,
			"source_uri":  "s3://geoflow-landing",
			"scene_count": 1 + rand.Intn(10),
		},
	}
	b, _ := json.Marshal(body)

	resp, err := http.Post(apiURL, "application/json", bytes.NewReader(b))
	if err != nil {
		log.Printf("submission failed: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		log.Printf("unexpected status: %d", resp.StatusCode)
		return
	}

	var out struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		log.Printf("failed to decode response: %v", err)
		return
	}
	log.Printf("submitted job %s", out.JobID)
}
