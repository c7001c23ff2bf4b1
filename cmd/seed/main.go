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

// Simulated fixed-income instruments and their base prices.
var instruments = []string{
	"US-2Y-BOND",
	"US-5Y-BOND",
	"US-10Y-BOND",
	"US-30Y-BOND",
	"EU-10Y-BUND",
}

var basePrices = map[string]float64{
	"US-2Y-BOND":  99.50,
	"US-5Y-BOND":  98.75,
	"US-10Y-BOND": 97.25,
	"US-30Y-BOND": 94.50,
	"EU-10Y-BUND": 96.80,
}

var quantities = []int64{100, 200, 500, 1000, 2000, 5000}

type orderRequest struct {
	Side       string  `json:"side"`
	Instrument string  `json:"instrument"`
	Price      float64 `json:"price"`
	Quantity   int64   `json:"quantity"`
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// generateOrder produces a random order with a small spread around the
// instrument's base price: buys slightly below, sells slightly above.
func generateOrder() orderRequest {
	instrument := instruments[rand.Intn(len(instruments))]
	side := "BUY"
	if rand.Intn(2) == 1 {
		side = "SELL"
	}

	spread := rand.Float64() * 0.25
	price := basePrices[instrument]
	if side == "BUY" {
		price -= spread
	} else {
		price += spread
	}

	return orderRequest{
		Side:       side,
		Instrument: instrument,
		Price:      float64(int64(price*10000)) / 10000,
		Quantity:   quantities[rand.Intn(len(quantities))],
	}
}

// waitForEngine polls /health until the engine responds.
func waitForEngine(client *http.Client, engineURL string) bool {
	log.Printf("Waiting for order engine at %s...", engineURL)
	for attempt := 0; attempt < 60; attempt++ {
		resp, err := client.Get(engineURL + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				log.Println("Order engine is healthy! Starting order generation.")
				return true
			}
		}
		time.Sleep(2 * time.Second)
	}
	log.Println("Order engine not available after 120 seconds.")
	return false
}

// login registers the generator user if needed and returns a JWT.
func login(client *http.Client, engineURL, username, password string) (string, error) {
	creds, _ := json.Marshal(map[string]string{"username": username, "password": password})

	// Registration fails harmlessly if the user already exists
	resp, err := client.Post(engineURL+"/auth/register", "application/json", bytes.NewReader(creds))
	if err != nil {
		return "", err
	}
	resp.Body.Close()

	resp, err = client.Post(engineURL+"/auth/login", "application/json", bytes.NewReader(creds))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login failed with status %d", resp.StatusCode)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return body.Token, nil
}

func sendOrder(client *http.Client, engineURL, token string, order orderRequest) {
	payload, _ := json.Marshal(order)
	req, err := http.NewRequest(http.MethodPost, engineURL+"/orders", bytes.NewReader(payload))
	if err != nil {
		log.Printf("Failed to build request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		log.Printf("Cannot reach order engine: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusCreated {
		var result struct {
			Order struct {
				Status string `json:"status"`
			} `json:"order"`
		}
		json.NewDecoder(resp.Body).Decode(&result)
		log.Printf("%s %d %s @ %.4f -> status: %s",
			order.Side, order.Quantity, order.Instrument, order.Price, result.Order.Status)
	} else {
		log.Printf("Order rejected: %d", resp.StatusCode)
	}
}

// Seed the engine with simulated trading activity
func main() {
	engineURL := getenv("ENGINE_URL", "http://localhost:8080")
	ordersPerSecond, err := strconv.Atoi(getenv("ORDERS_PER_SECOND", "5"))
	if err != nil || ordersPerSecond < 1 {
		log.Fatalf("Invalid ORDERS_PER_SECOND")
	}

	client := &http.Client{Timeout: 5 * time.Second}
	if !waitForEngine(client, engineURL) {
		os.Exit(1)
	}

	token, err := login(client, engineURL, "generator", "generator-pass")
	if err != nil {
		log.Fatalf("Failed to log in: %v", err)
	}

	log.Printf("Generating %d orders/second", ordersPerSecond)
	delay := time.Second / time.Duration(ordersPerSecond)

	count := 0
	for {
		sendOrder(client, engineURL, token, generateOrder())
		count++
		if count%100 == 0 {
			log.Printf("--- %d orders sent so far ---", count)
		}

		// Slight jitter to make the stream more realistic
		jitter := 0.8 + rand.Float64()*0.4
		time.Sleep(time.Duration(float64(delay) * jitter))
	}
}
