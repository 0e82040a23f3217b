// voxline-dial submits a batch of destinations to a running voxlined and
// waits for the summary.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

type batchResponse struct {
	Accepted int `json:"accepted"`
}

type statusResponse struct {
	TransportConnected bool `json:"transport_connected"`
	Degraded           bool `json:"degraded"`
	ActiveSessions     int  `json:"active_sessions"`
	LastBatch          *struct {
		Total     int  `json:"total"`
		Succeeded int  `json:"succeeded"`
		Failed    int  `json:"failed"`
		Running   bool `json:"running"`
	} `json:"last_batch"`
}

func main() {
	var (
		server string
		file   string
		wait   bool
	)
	flag.StringVar(&server, "server", "http://localhost:8080", "Base URL of the voxlined control API")
	flag.StringVar(&file, "file", "", "File with one destination per line (default: stdin)")
	flag.BoolVar(&wait, "wait", true, "Wait for the batch to finish and print the summary")
	flag.Parse()

	destinations, err := readDestinations(file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read destinations: %v\n", err)
		os.Exit(1)
	}
	if len(destinations) == 0 {
		fmt.Fprintln(os.Stderr, "no destinations to dial")
		os.Exit(1)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	body := strings.Join(destinations, "\n")
	resp, err := client.Post(server+"/v1/batch", "text/plain", bytes.NewBufferString(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "submit batch: %v\n", err)
		os.Exit(1)
	}
	payload, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		fmt.Fprintf(os.Stderr, "submit batch: %s: %s\n", resp.Status, strings.TrimSpace(string(payload)))
		os.Exit(1)
	}

	var accepted batchResponse
	if err := json.Unmarshal(payload, &accepted); err != nil {
		fmt.Fprintf(os.Stderr, "decode response: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("submitted %d destinations\n", accepted.Accepted)

	if !wait {
		return
	}

	for {
		time.Sleep(time.Second)
		st, err := fetchStatus(client, server)
		if err != nil {
			fmt.Fprintf(os.Stderr, "fetch status: %v\n", err)
			os.Exit(1)
		}
		if st.LastBatch == nil || st.LastBatch.Running {
			continue
		}
		fmt.Printf("batch finished: %d total, %d succeeded, %d failed\n",
			st.LastBatch.Total, st.LastBatch.Succeeded, st.LastBatch.Failed)
		if st.LastBatch.Failed > 0 {
			os.Exit(1)
		}
		return
	}
}

func readDestinations(file string) ([]string, error) {
	var r io.Reader = os.Stdin
	if file != "" {
		f, err := os.Open(file)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var destinations []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		destinations = append(destinations, line)
	}
	return destinations, scanner.Err()
}

func fetchStatus(client *http.Client, server string) (*statusResponse, error) {
	resp, err := client.Get(server + "/v1/status")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	var st statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, err
	}
	return &st, nil
}
