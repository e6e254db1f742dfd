package main

import (
	"flag"
	"fmt"
	"os"

	"keyauth/backend/internal/auth"
	"keyauth/backend/internal/domain"
)

func main() {
	username := flag.String("username", "admin", "管理员用户名")
	password := flag.String("password", "", "管理员密码（至少 8 位）")
	withTOTP := flag.Bool("totp", false, "同时生成 TOTP 密钥")
	issuer := flag.String("issuer", "keyauth", "TOTP 签发者名称")
	flag.Parse()

	if *password == "" {
		fmt.Println("Usage: create-admin -password <password> [-username admin] [-totp] [-issuer keyauth]")
		os.Exit(1)
	}

	if err := domain.ValidateUsername(*username); err != nil {
		fmt.Printf("Invalid username: %v\n", err)
		os.Exit(1)
	}

	hashedPassword, err := auth.HashPassword(*password)
	if err != nil {
		fmt.Printf("Invalid password: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("✓ Admin credentials generated. Add these lines to your .env:")
	fmt.Println()
	fmt.Printf("KEYAUTH_ADMIN_USERNAME=%s\n", *username)
	fmt.Printf("KEYAUTH_ADMIN_PASSWORD_HASH='%s'\n", hashedPassword)

	if !*withTOTP {
		return
	}

	key, err := auth.GenerateTOTP(*issuer, *username)
	if err != nil {
		fmt.Printf("Failed to generate TOTP secret: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("KEYAUTH_ADMIN_TOTP_SECRET=%s\n", key.Secret())
	fmt.Println()
	fmt.Printf("Scan this URL with an authenticator app:\n  %s\n", key.URL())
}
