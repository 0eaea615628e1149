package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"CrossFlow/sdk/go/crossflow"
)

func main() {
	client, err := crossflow.NewClient("http://127.0.0.1:8080", nil)
	if err != nil {
		log.Fatalf("create client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rails, err := client.Rails(ctx)
	if err != nil {
		log.Fatalf("list rails: %v", err)
	}
	fmt.Println("registered rails:", rails)

	transfers, err := client.PendingTransfers(ctx)
	if err != nil {
		log.Fatalf("list transfers: %v", err)
	}
	for _, transfer := range transfers {
		fmt.Printf("%s  %s  %s  origin=%d dest=%d\n",
			transfer.ID, transfer.Bridge, transfer.Amount, transfer.Origin, transfer.Destination)
	}

	paused, err := client.Paused(ctx)
	if err != nil {
		log.Fatalf("read pause state: %v", err)
	}
	fmt.Println("paused:", paused)
}
