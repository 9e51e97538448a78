package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

// generateRandomName generates a random 6-letter name
func generateRandomName() string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	name := make([]byte, 6)
	for i := range name {
		name[i] = letters[rand.Intn(len(letters))]
	}
	name[0] = name[0] - 32
	return string(name)
}

type response struct {
	Method string `json:"method"`
	Error  *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// commit sends one batch and waits for its response, skipping notifications.
func commit(ws *websocket.Conn, id int, docs []map[string]interface{}) error {
	err := ws.WriteJSON(map[string]interface{}{
		"method": "commit",
		"params": []interface{}{map[string]interface{}{"created": docs}},
		"id":     id,
	})
	if err != nil {
		return fmt.Errorf("failed to send commit: %w", err)
	}
	for {
		var resp response
		if err := ws.ReadJSON(&resp); err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
		if resp.Method != "" {
			continue
		}
		if resp.Error != nil {
			return fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
		}
		return nil
	}
}

func main() {
	var (
		url       = flag.String("url", "ws://localhost:18080", "Server URL")
		token     = flag.String("token", "", "Client token (see `go-syncdb token`)")
		class     = flag.String("class", "task:core.Task", "Class of the generated documents")
		attribute = flag.String("attr", "title", "Attribute filled with a random name")
		batches   = flag.Int("batches", 100, "Number of commits")
		size      = flag.Int("size", 10, "Documents per commit")
	)
	flag.Parse()
	if *token == "" || *batches <= 0 || *size <= 0 {
		flag.Usage()
		os.Exit(1)
	}

	ws, _, err := websocket.DefaultDialer.Dial(*url+"/"+*token, nil)
	if err != nil {
		fmt.Printf("Error: failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer ws.Close()

	fmt.Printf("Starting load test: %d commits of %d documents to %s\n", *batches, *size, *url)

	startTime := time.Now()
	successCount := 0
	errorCount := 0
	reportInterval := max(1, *batches/10)

	for i := 0; i < *batches; i++ {
		docs := make([]map[string]interface{}, *size)
		for j := range docs {
			docs[j] = map[string]interface{}{
				"_id":      ulid.Make().String(),
				"_class":   *class,
				*attribute: generateRandomName(),
			}
		}

		if err := commit(ws, i+1, docs); err != nil {
			errorCount++
			fmt.Printf("Error in commit %d: %v\n", i+1, err)
		} else {
			successCount++
		}

		if (i+1)%reportInterval == 0 || i == *batches-1 {
			elapsed := time.Since(startTime)
			rate := float64((i+1)**size) / elapsed.Seconds()
			fmt.Printf("Progress: %d/%d commits (%.1f%%) - Rate: %.1f docs/sec - Success: %d, Errors: %d\n",
				i+1, *batches, float64(i+1)/float64(*batches)*100, rate, successCount, errorCount)
		}
	}

	totalTime := time.Since(startTime)
	fmt.Println("\n" + strings.Repeat("=", 60))
	fmt.Println("LOAD TEST COMPLETE")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("Commits attempted:     %d\n", *batches)
	fmt.Printf("Successful commits:    %d\n", successCount)
	fmt.Printf("Failed commits:        %d\n", errorCount)
	fmt.Printf("Total time:            %v\n", totalTime)
	fmt.Printf("Average per commit:    %v\n", totalTime/time.Duration(*batches))

	if errorCount > 0 {
		fmt.Printf("\nWarning: %d errors occurred during the load test\n", errorCount)
		os.Exit(1)
	}
}
