// +build ignore

// Mock sink for trying the relay locally
// Run with: go run scripts/mock-sink.go -port 9001 -status 202
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

func main() {
	port := flag.Int("port", 9001, "Port to listen on")
	status := flag.Int("status", http.StatusOK, "Status code to answer with")
	redirect := flag.String("redirect", "", "Answer every request with a redirect to this URL")
	flag.Parse()

	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		log.Printf("%s %s content-type=%q authorization=%t traceparent=%q body=%s",
			r.Method, r.URL.Path,
			r.Header.Get("Content-Type"),
			r.Header.Get("Authorization") != "",
			r.Header.Get("Traceparent"),
			body,
		)

		if *redirect != "" {
			http.Redirect(w, r, *redirect, http.StatusTemporaryRedirect)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(*status)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"received":  len(body),
			"timestamp": time.Now().Format(time.RFC3339),
		})
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("Mock sink starting on %s", addr)
	log.Fatal(http.ListenAndServe(addr, nil))
}
