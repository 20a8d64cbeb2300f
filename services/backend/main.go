package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	_ "github.com/lib/pq"
)

// Response is the body of the diagnostic endpoint
type Response struct {
	Message string `json:"message"`
	Time    string `json:"time"`
}

func main() {
	// Initialize logger
	logger := log.New(os.Stdout, "", log.LstdFlags)
	logger.Println("Starting backend service")

	// Build the connection string from the deploy-time environment.
	// sslmode=require encrypts the connection without verifying the
	// database's self-signed certificate chain.
	connStr := fmt.Sprintf(
		"host=%s port=%s dbname=%s user=%s password=%s sslmode=require",
		os.Getenv("DB_HOST"),
		os.Getenv("DB_PORT"),
		os.Getenv("DB_NAME"),
		os.Getenv("DB_USER"),
		os.Getenv("DB_PASSWORD"),
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		logger.Fatalf("Error opening database handle: %v", err)
	}
	defer db.Close()

	http.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintln(w, "ok")
	})

	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		var now time.Time
		if err := db.QueryRowContext(r.Context(), "SELECT NOW()").Scan(&now); err != nil {
			logger.Printf("Error running diagnostic query: %v", err)
			http.Error(w, "database unavailable", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(Response{
			Message: "Hello from the backend",
			Time:    now.Format(time.RFC3339),
		}); err != nil {
			logger.Printf("Error writing response: %v", err)
		}
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logger.Printf("Listening on :%s", port)
	logger.Fatal(http.ListenAndServe(":"+port, nil))
}
