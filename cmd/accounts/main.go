// Command accounts authenticates against the gateway and prints the
// tradable accounts, for finding the IDs to put in the monitor config.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"riskguard/internal/gateway"
	"riskguard/internal/ratelimit"
	"riskguard/internal/util"
)

func main() {
	baseURL := flag.String("base-url", "https://api.topstepx.com", "gateway base URL")
	flag.Parse()

	_ = godotenv.Load()
	log := util.NewLogger("warn")

	creds := gateway.Credentials{
		Username: os.Getenv("RISKGUARD_USERNAME"),
		APIKey:   os.Getenv("RISKGUARD_API_KEY"),
	}
	if creds.Username == "" || creds.APIKey == "" {
		log.Fatal().Msg("RISKGUARD_USERNAME and RISKGUARD_API_KEY must be set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	httpc := &http.Client{Timeout: 10 * time.Second}
	tokens := gateway.NewTokenSource(*baseURL, creds, httpc, log)
	if err := tokens.Login(ctx); err != nil {
		log.Fatal().Err(err).Msg("login")
	}

	client := gateway.NewClient(*baseURL, tokens, ratelimit.New(nil), log, gateway.WithHTTPClient(httpc))
	accounts, err := client.Accounts(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("list accounts")
	}

	if len(accounts) == 0 {
		fmt.Println("no active accounts")
		return
	}
	fmt.Printf("%-14s %-28s %12s  %s\n", "ID", "NAME", "BALANCE", "FLAGS")
	for _, acct := range accounts {
		flags := ""
		if acct.Simulated {
			flags = "sim"
		}
		if !acct.CanTrade {
			if flags != "" {
				flags += ","
			}
			flags += "no-trade"
		}
		fmt.Printf("%-14s %-28s %12.2f  %s\n", acct.ID, acct.Name, acct.Balance, flags)
	}
}
