package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/frahmantamala/tramite-payments/internal/payment"
)

var paymentsCmd = &cobra.Command{
	Use:   "payments",
	Short: "Drive the payment pipeline from the command line",
	Long:  `Start, confirm and inspect payments. Every subcommand prints JSON.`,
}

var startPaymentCmd = &cobra.Command{
	Use:   "start <tramite>",
	Short: "Open a gateway session for a tramite",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := payment.StartPaymentRequest{Tramite: args[0], Reference: paymentReference}
		if paymentAmount != "" {
			amount, err := decimal.NewFromString(paymentAmount)
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", paymentAmount, err)
			}
			req.Amount = &amount
		}

		deps, err := initializeDependencies()
		if err != nil {
			return err
		}
		defer deps.Close()

		resp, err := deps.Payments.StartPayment(cmd.Context(), req, paymentPayer)
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var confirmPaymentCmd = &cobra.Command{
	Use:   "confirm <reference>",
	Short: "Confirm a payment with the gateway and print its verdict",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		deps, err := initializeDependencies()
		if err != nil {
			return err
		}
		defer deps.Close()

		result, err := deps.Payments.ConfirmPayment(cmd.Context(), args[0], payment.ConfirmPaymentRequest{EncryptedRequestBlob: paymentBlob})
		if err != nil {
			return err
		}
		if err := printJSON(result); err != nil {
			return err
		}
		// the verdict is relayed verbatim, its status still decides the exit code
		if result.StatusCode >= 400 {
			return &exitError{status: result.StatusCode}
		}
		return nil
	},
}

var receiptCmd = &cobra.Command{
	Use:   "receipt <reference>",
	Short: "Fetch the receipt of a payment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		deps, err := initializeDependencies()
		if err != nil {
			return err
		}
		defer deps.Close()

		receipt, err := deps.Payments.GetReceipt(cmd.Context(), payment.ReceiptRequest{
			Reference: args[0],
			Format:    receiptFormat,
			Refresh:   receiptRefresh,
		})
		if err != nil {
			return err
		}

		if receiptOut != "" {
			if err := os.WriteFile(receiptOut, receipt.Body, 0o644); err != nil {
				return fmt.Errorf("write receipt: %w", err)
			}
			return printJSON(map[string]interface{}{
				"reference":   receipt.Reference,
				"contentType": receipt.ContentType,
				"file":        receiptOut,
				"cached":      receipt.Cached,
			})
		}
		if !json.Valid(receipt.Body) {
			return fmt.Errorf("receipt is %s; use --out to save it", receipt.ContentType)
		}
		return printJSON(json.RawMessage(receipt.Body))
	},
}

var listPaymentsCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent payment attempts",
	RunE: func(cmd *cobra.Command, args []string) error {
		deps, err := initializeDependencies()
		if err != nil {
			return err
		}
		defer deps.Close()

		views, err := deps.Payments.ListPayments(cmd.Context(), paymentsLimit)
		if err != nil {
			return err
		}
		return printJSON(map[string]interface{}{"payments": views})
	},
}

var (
	paymentAmount    string
	paymentReference string
	paymentPayer     string
	paymentBlob      string
	receiptFormat    string
	receiptRefresh   bool
	receiptOut       string
	paymentsLimit    int
)

func printJSON(v interface{}) error {
	return writeJSON(os.Stdout, v)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	startPaymentCmd.Flags().StringVar(&paymentAmount, "amount", "", "amount for tramites without a fixed cost")
	startPaymentCmd.Flags().StringVar(&paymentReference, "reference", "", "idempotency reference")
	startPaymentCmd.Flags().StringVar(&paymentPayer, "payer", "", "payer user id")

	confirmPaymentCmd.Flags().StringVar(&paymentBlob, "blob", "", "encrypted request blob (defaults to the stored one)")

	receiptCmd.Flags().StringVar(&receiptFormat, "format", "json", "json or pdf")
	receiptCmd.Flags().BoolVar(&receiptRefresh, "refresh", false, "bypass the cached receipt")
	receiptCmd.Flags().StringVarP(&receiptOut, "out", "o", "", "write the receipt body to this file")

	listPaymentsCmd.Flags().IntVar(&paymentsLimit, "limit", 20, "maximum attempts to list")

	paymentsCmd.AddCommand(startPaymentCmd)
	paymentsCmd.AddCommand(confirmPaymentCmd)
	paymentsCmd.AddCommand(receiptCmd)
	paymentsCmd.AddCommand(listPaymentsCmd)

	rootCmd.AddCommand(paymentsCmd)
}
