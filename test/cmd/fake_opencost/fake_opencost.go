// This tool is a part of e2e helper programs and serves allocation data
// the way OpenCost's /allocation/compute endpoint does.  Every request
// gets the same canned response, or an error status if one is forced.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
)

var (
	addr     = flag.String("addr", "localhost:9003", "address to listen on")
	dataFile = flag.String("data-file", "internal/normalize/testdata/allocation.json", "pathname of the allocation response to serve")
	status   = flag.Int("status", http.StatusOK, "HTTP status of every response")
	verbose  = flag.Bool("verbose", false, "enable verbose mode")
)

func main() {
	flag.Parse()
	body, err := os.ReadFile(*dataFile)
	if err != nil {
		fmt.Println(err) //nolint
		os.Exit(1)
	}
	http.HandleFunc("/allocation/compute", func(w http.ResponseWriter, r *http.Request) {
		if *verbose {
			fmt.Printf("%v %v\n", r.Method, r.URL) //nolint
		}
		if r.URL.Query().Get("window") == "" {
			http.Error(w, `{"code": 400, "message": "missing window"}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(*status)
		if _, err := w.Write(body); err != nil {
			log.Printf("failed to write response: %v", err)
		}
	})
	log.Printf("serving %v on %v", *dataFile, *addr)
	log.Fatal(http.ListenAndServe(*addr, nil)) //nolint:gosec
}
