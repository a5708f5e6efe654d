package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"

	"mail-intake-go/internal/vault"
)

// Obtains OAuth tokens for a mailbox and prints them encrypted with
// ENCRYPTION_KEY, ready to store on its gmail_mailbox_configs row.
func main() {
	clientID := os.Getenv("GMAIL_CLIENT_ID")
	clientSecret := os.Getenv("GMAIL_CLIENT_SECRET")
	encryptionKey := os.Getenv("ENCRYPTION_KEY")

	if clientID == "" || clientSecret == "" || encryptionKey == "" {
		log.Fatal("Please set GMAIL_CLIENT_ID, GMAIL_CLIENT_SECRET and ENCRYPTION_KEY environment variables")
	}

	v, err := vault.New(encryptionKey)
	if err != nil {
		log.Fatalf("Unable to create vault: %v", err)
	}

	config := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       []string{gmail.GmailReadonlyScope},
		Endpoint:     google.Endpoint,
		RedirectURL:  "http://localhost:8080/callback",
	}

	authURL := config.AuthCodeURL("state-token", oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	fmt.Printf("Go to the following link in your browser: %v\n", authURL)
	fmt.Println("\nAfter authorization, you'll be redirected to a URL. Copy the 'code' parameter from that URL.")

	var authCode string
	fmt.Print("\nEnter the authorization code: ")
	if _, err := fmt.Scan(&authCode); err != nil {
		log.Fatalf("Unable to read authorization code: %v", err)
	}

	tok, err := config.Exchange(context.Background(), authCode)
	if err != nil {
		log.Fatalf("Unable to retrieve token from web: %v", err)
	}

	access, err := v.Encrypt(tok.AccessToken)
	if err != nil {
		log.Fatalf("Unable to encrypt access token: %v", err)
	}
	refresh, err := v.Encrypt(tok.RefreshToken)
	if err != nil {
		log.Fatalf("Unable to encrypt refresh token: %v", err)
	}

	fmt.Printf("\nExpiry: %v\n", tok.Expiry)
	fmt.Println("\nStore these on the mailbox row:")
	fmt.Printf("client_id     = %s\n", clientID)
	fmt.Printf("access_token  = %s\n", access)
	fmt.Printf("refresh_token = %s\n", refresh)
}
