package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/uhyunpark/gardendex/pkg/api"
)

func main() {
	addr := flag.String("api", "http://localhost:8080", "node API base URL")
	email := flag.String("email", "trader_0@gardendex.local", "trader email")
	garden := flag.String("garden", "garden-1", "originating garden")
	pair := flag.String("pair", "TOKENA/SOL", "TOKEN/BASE pair")
	side := flag.String("side", "BUY", "BUY or SELL")
	typ := flag.String("type", "MARKET", "MARKET or LIMIT")
	amount := flag.Float64("amount", 100, "token amount")
	price := flag.Float64("price", 0, "limit price in base token")
	model := flag.String("model", "AMM", "AMM or ORDER_BOOK")
	input := flag.String("input", "", "original natural-language input")
	async := flag.Bool("async", false, "return once queued")
	flag.Parse()

	req := api.SubmitOrderRequest{
		UserEmail:     *email,
		GardenID:      *garden,
		Pair:          *pair,
		Side:          *side,
		Type:          *typ,
		Amount:        *amount,
		Price:         *price,
		MatchingModel: *model,
		OriginalInput: *input,
		Async:         *async,
	}

	fmt.Println("Intent:")
	fmt.Printf("  Pair: %s\n", req.Pair)
	fmt.Printf("  Side: %s\n", req.Side)
	fmt.Printf("  Type: %s\n", req.Type)
	fmt.Printf("  Amount: %g\n", req.Amount)
	if req.Price > 0 {
		fmt.Printf("  Price: %g\n", req.Price)
	}
	fmt.Printf("  Model: %s\n\n", req.MatchingModel)

	body, err := json.Marshal(req)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(*addr+"/api/v1/orders", "application/json", bytes.NewReader(body))
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Printf("Error reading response: %v\n", err)
		os.Exit(1)
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		raw = pretty.Bytes()
	}
	fmt.Printf("HTTP %d\n%s\n", resp.StatusCode, raw)
	if resp.StatusCode >= 300 {
		os.Exit(1)
	}
}
