package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"safereply/internal/config"
	"safereply/pkg/auth"
)

// 为外部调度器（cron / curl 调用 POST /poll/:source）签发服务令牌
func main() {
	subject := flag.String("sub", "scheduler", "token subject")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	cfg := config.Load()
	if cfg.JWT.Secret == "" {
		fmt.Fprintln(os.Stderr, "jwt.secret is empty")
		os.Exit(1)
	}

	token, err := auth.GenerateServiceToken(*subject, cfg.JWT.Issuer, cfg.JWT.Secret, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to sign token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
