// Command accounts enrols and manages pool accounts from the terminal.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/poemonsense/cloudcode-relay/internal/auth"
	"github.com/poemonsense/cloudcode-relay/internal/config"
	"github.com/poemonsense/cloudcode-relay/internal/store"
)

var serverPort = config.DefaultPort

func main() {
	args := os.Args[1:]
	command := "add"
	noBrowser := false

	for _, arg := range args {
		if arg == "--no-browser" {
			noBrowser = true
		} else if !strings.HasPrefix(arg, "-") && command == "add" {
			command = arg
		}
	}

	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			serverPort = p
		}
	}

	printBanner()
	scanner := bufio.NewScanner(os.Stdin)

	switch command {
	case "add":
		ensureServerStopped()
		interactiveAdd(scanner, noBrowser)
	case "list":
		listAccounts()
	case "verify":
		verifyAccounts()
	case "remove":
		ensureServerStopped()
		interactiveRemove(scanner)
	case "enable", "disable":
		ensureServerStopped()
		setEnabled(scanner, command == "enable")
	case "presets":
		printPresets()
	case "help":
		printHelp()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		fmt.Println("Run with \"help\" for usage information.")
	}
}

func printBanner() {
	fmt.Println("==========================================")
	fmt.Println("  Cloud Code Relay - Account Manager")
	fmt.Println("  Use --no-browser for headless mode")
	fmt.Println("==========================================")
}

func printHelp() {
	fmt.Println("\nUsage:")
	fmt.Println("  relay-accounts add      Add new account(s) via OAuth")
	fmt.Println("  relay-accounts list     List all accounts")
	fmt.Println("  relay-accounts verify   Verify account tokens")
	fmt.Println("  relay-accounts remove   Remove an account")
	fmt.Println("  relay-accounts enable   Enable an account")
	fmt.Println("  relay-accounts disable  Disable an account")
	fmt.Println("  relay-accounts presets  Print client environment presets")
	fmt.Println("  relay-accounts help     Show this help")
	fmt.Println("\nOptions:")
	fmt.Println("  --no-browser    Manual authorization code input (headless servers)")
}

func openStore() *store.Store {
	st := store.NewStore(config.AccountConfigPath, config.MaxAccounts)
	if err := st.Load(); err != nil {
		fmt.Println("Error loading accounts:", err)
		os.Exit(1)
	}
	return st
}

func isServerRunning() bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("localhost:%d", serverPort), time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func ensureServerStopped() {
	if isServerRunning() {
		fmt.Printf("\nError: the relay server is currently running on port %d.\n\n", serverPort)
		fmt.Println("Stop the server (Ctrl+C) before managing accounts so the")
		fmt.Println("changes are loaded correctly on restart.")
		os.Exit(1)
	}
}

func openBrowser(url string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", "", strings.ReplaceAll(url, "&", "^&"))
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		fmt.Println("\nCould not open browser automatically.")
		fmt.Println("Open this URL manually:", url)
	}
}

func prompt(scanner *bufio.Scanner, message string) string {
	fmt.Print(message)
	if !scanner.Scan() {
		return ""
	}
	return strings.TrimSpace(scanner.Text())
}

func displayAccounts(accounts []*store.Account) {
	if len(accounts) == 0 {
		fmt.Println("\nNo accounts configured.")
		return
	}
	fmt.Printf("\nConfigured accounts (%d/%d):\n", len(accounts), config.MaxAccounts)
	for i, acc := range accounts {
		state := "enabled"
		if !acc.Enabled {
			state = "disabled"
		}
		if acc.IsInvalid {
			state = "INVALID: " + acc.InvalidReason
		}
		tier := ""
		if acc.Subscription != nil && acc.Subscription.Tier != "" {
			tier = " [" + acc.Subscription.Tier + "]"
		}
		fmt.Printf("  %d. %s (%s)%s - %s\n", i+1, acc.Email, acc.Source, tier, state)
	}
}

func interactiveAdd(scanner *bufio.Scanner, noBrowser bool) {
	st := openStore()

	for {
		displayAccounts(st.List())

		if st.Count() >= config.MaxAccounts {
			fmt.Printf("\nMaximum of %d accounts reached.\n", config.MaxAccounts)
			return
		}

		acc := runOAuthFlow(scanner, noBrowser)
		if acc == nil {
			return
		}

		if err := st.Upsert(acc); err != nil {
			fmt.Println("Failed to save account:", err)
			return
		}
		fmt.Printf("\nAccount %s saved.\n", acc.Email)

		if answer := prompt(scanner, "\nAdd another account? [y/N] "); !strings.EqualFold(answer, "y") {
			return
		}
	}
}

// runOAuthFlow walks one PKCE authorization and returns the new account.
func runOAuthFlow(scanner *bufio.Scanner, noBrowser bool) *store.Account {
	ctx := context.Background()

	authURL, err := auth.GetAuthorizationURL("")
	if err != nil {
		fmt.Println("Failed to build authorization URL:", err)
		return nil
	}

	var code string
	if noBrowser {
		fmt.Println("\nOpen this URL in a browser on any machine:")
		fmt.Println("\n" + authURL.URL)
		input := prompt(scanner, "\nPaste the full callback URL or the authorization code: ")
		extracted, err := auth.ExtractCodeFromInput(input)
		if err != nil {
			fmt.Println("Invalid input:", err)
			return nil
		}
		if extracted.State != "" && extracted.State != authURL.State {
			fmt.Println("State mismatch; aborting for safety.")
			return nil
		}
		code = extracted.Code
	} else {
		callback := auth.NewCallbackServer(authURL.State, 120_000)
		fmt.Println("\nOpening browser for Google sign-in...")
		openBrowser(authURL.URL)
		fmt.Printf("Waiting for the OAuth callback on port %d (2 minute timeout)...\n", callback.GetPort())

		code, err = callback.Start(ctx)
		if err != nil {
			fmt.Println("OAuth callback failed:", err)
			return nil
		}
	}

	fmt.Println("Exchanging authorization code...")
	result, err := auth.CompleteOAuthFlow(ctx, code, authURL.Verifier)
	if err != nil {
		fmt.Println("OAuth flow failed:", err)
		return nil
	}

	refresh := auth.FormatRefreshParts(auth.RefreshParts{
		RefreshToken: result.RefreshToken,
		ProjectID:    result.ProjectID,
	})

	fmt.Printf("Authenticated as %s\n", result.Email)
	if result.ProjectID != "" {
		fmt.Printf("Project: %s\n", result.ProjectID)
	}

	return &store.Account{
		Email:        result.Email,
		Source:       store.SourceOAuth,
		Enabled:      true,
		RefreshToken: refresh,
		ProjectID:    result.ProjectID,
	}
}

func listAccounts() {
	displayAccounts(openStore().List())
}

// printPresets renders each client preset as export lines ready to paste
// into a shell.
func printPresets() {
	presets, err := config.ReadClaudePresets()
	if err != nil {
		fmt.Println("Error reading presets:", err)
		return
	}
	for _, preset := range presets {
		fmt.Printf("\n# %s\n", preset.Name)
		keys := make([]string, 0, len(preset.Config))
		for k := range preset.Config {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("export %s=%q\n", k, preset.Config[k])
		}
	}
	fmt.Println()
}

func interactiveRemove(scanner *bufio.Scanner) {
	st := openStore()
	accounts := st.List()
	displayAccounts(accounts)
	if len(accounts) == 0 {
		return
	}

	answer := prompt(scanner, "\nNumber of the account to remove (or empty to cancel): ")
	if answer == "" {
		return
	}
	idx, err := strconv.Atoi(answer)
	if err != nil || idx < 1 || idx > len(accounts) {
		fmt.Println("Invalid selection.")
		return
	}

	email := accounts[idx-1].Email
	if err := st.Remove(email); err != nil {
		fmt.Println("Failed to remove account:", err)
		return
	}
	fmt.Printf("Removed %s.\n", email)
}

func setEnabled(scanner *bufio.Scanner, enabled bool) {
	st := openStore()
	accounts := st.List()
	displayAccounts(accounts)
	if len(accounts) == 0 {
		return
	}

	verb := "enable"
	if !enabled {
		verb = "disable"
	}
	answer := prompt(scanner, fmt.Sprintf("\nNumber of the account to %s (or empty to cancel): ", verb))
	if answer == "" {
		return
	}
	idx, err := strconv.Atoi(answer)
	if err != nil || idx < 1 || idx > len(accounts) {
		fmt.Println("Invalid selection.")
		return
	}

	email := accounts[idx-1].Email
	if err := st.SetEnabled(email, enabled); err != nil {
		fmt.Println("Failed:", err)
		return
	}
	fmt.Printf("Account %s %sd.\n", email, verb)
}

func verifyAccounts() {
	st := openStore()
	accounts := st.List()
	if len(accounts) == 0 {
		fmt.Println("\nNo accounts configured.")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	fmt.Println()
	for _, acc := range accounts {
		fmt.Printf("Verifying %s... ", acc.Email)

		switch acc.Source {
		case store.SourceOAuth:
			result, err := auth.RefreshAccessToken(ctx, acc.RefreshToken)
			if err != nil {
				fmt.Println("FAILED:", err)
				continue
			}
			info, err := auth.GetSubscriptionInfo(ctx, result.AccessToken)
			if err != nil {
				fmt.Println("ok (tier unknown)")
				continue
			}
			fmt.Printf("ok (%s tier)\n", info.Tier)

		case store.SourceManual:
			if acc.APIKey == "" {
				fmt.Println("FAILED: no API key")
			} else {
				fmt.Println("ok (static key)")
			}

		case store.SourceDatabase:
			if _, err := auth.GetAuthStatus(""); err != nil {
				fmt.Println("FAILED:", err)
			} else {
				fmt.Println("ok (local database)")
			}
		}
	}
}
