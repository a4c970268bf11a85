// Command walrusctl is the operator CLI for local tasks the upload broker
// doesn't expose over HTTP: sweeping pending files, previewing a quote,
// checking a user's ledger balance, and wallet creation/import — following
// the teacher's cmd/cli cobra-based command layout.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mysten-labs-capstone/walrus-sub003/internal/config"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/ledger"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/priceoracle"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/quote"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/wallet"
)

func main() {
	root := &cobra.Command{
		Use:   "walrusctl",
		Short: "Operator CLI for the upload broker",
	}

	root.AddCommand(
		newTriggerPendingCmd(),
		newQuoteCmd(),
		newBalanceCmd(),
		newWalletCreateCmd(),
		newWalletImportCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newTriggerPendingCmd calls the running server's sweep endpoint rather than
// reopening its bbolt stores directly, avoiding a second writer on the same
// database files.
func newTriggerPendingCmd() *cobra.Command {
	var baseURL string
	cmd := &cobra.Command{
		Use:   "trigger-pending",
		Short: "Trigger a sweep of oldest-pending files on a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, baseURL+"/api/upload/trigger-pending", nil)
			if err != nil {
				return err
			}
			resp, err := (&http.Client{Timeout: 60 * time.Second}).Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			var out map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return err
			}
			fmt.Printf("processed=%v failed=%v\n", out["processed"], out["failed"])
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "server", "http://localhost:8080", "uploadserver base URL")
	return cmd
}

func newQuoteCmd() *cobra.Command {
	var sizeBytes int64
	var epochs int
	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Preview the cost of storing a file of the given size",
		RunE: func(cmd *cobra.Command, args []string) error {
			if epochs <= 0 {
				epochs = quote.DefaultEpochs
			}
			oracle := priceoracle.NewHTTPOracle(os.Getenv("PRICE_FEED_URL"), 10*time.Second)
			res, err := quote.Compute(cmd.Context(), oracle, sizeBytes, epochs, nil)
			if err != nil {
				return err
			}
			fmt.Printf("encodedSize=%d storageUnits=%d costUSD=%.2f costSUI=%.6f fallbackPrices=%v\n",
				res.EncodedSize, res.StorageUnits, res.CostUSD, res.CostSUI, res.FallbackPrices)
			return nil
		},
	}
	cmd.Flags().Int64Var(&sizeBytes, "size-bytes", 0, "file size in bytes")
	cmd.Flags().IntVar(&epochs, "epochs", 0, "epoch count (default 3)")
	return cmd
}

func newBalanceCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Print a user's ledger balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			l, err := ledger.Open(cfg.LedgerDBPath)
			if err != nil {
				return err
			}
			defer l.Close()

			bal, err := l.Balance(userID)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %.2f USD\n", userID, bal)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newWalletCreateCmd() *cobra.Command {
	var entropyBits int
	cmd := &cobra.Command{
		Use:   "wallet-create",
		Short: "Generate a new master seed and print its recovery mnemonic",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, mnemonic, err := wallet.NewRandom(entropyBits)
			if err != nil {
				return err
			}
			fmt.Println(mnemonic)
			return nil
		},
	}
	cmd.Flags().IntVar(&entropyBits, "entropy-bits", 128, "mnemonic entropy size (128 or 256)")
	return cmd
}

func newWalletImportCmd() *cobra.Command {
	var mnemonic, passphrase, userID string
	cmd := &cobra.Command{
		Use:   "wallet-address",
		Short: "Derive a user's signing address from a recovery mnemonic",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := wallet.FromMnemonic(mnemonic, passphrase)
			if err != nil {
				return err
			}
			addr, err := w.AddressForUser(userID)
			if err != nil {
				return err
			}
			fmt.Println(addr.Hex())
			return nil
		},
	}
	cmd.Flags().StringVar(&mnemonic, "mnemonic", "", "BIP-39 recovery phrase")
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "optional BIP-39 passphrase")
	cmd.Flags().StringVar(&userID, "user", "", "user id to derive an address for")
	_ = cmd.MarkFlagRequired("mnemonic")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
