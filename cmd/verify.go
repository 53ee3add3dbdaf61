package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/flowcap/internal/integrity"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify a signed driver image",
	Long: `Verify the detached signature of a driver or firmware image against a
trust anchor (PEM public key).

The anchor defaults to $FLOWCAP_TRUST_ANCHOR, then the built-in path.

Examples:
  flowcap verify --image dpdk.so --signature dpdk.so.sig
  flowcap verify --image dpdk.so --signature dpdk.so.sig --trust-anchor /etc/flowcap/anchor.pem`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runVerify(cmd.OutOrStdout(), verifyImage, verifySignature, verifyAnchor)
	},
}

var (
	verifyImage     string
	verifySignature string
	verifyAnchor    string
)

func init() {
	verifyCmd.Flags().StringVar(&verifyImage, "image", "", "image file to verify (required)")
	verifyCmd.Flags().StringVar(&verifySignature, "signature", "", "detached signature file (required)")
	verifyCmd.Flags().StringVar(&verifyAnchor, "trust-anchor", "", "trust anchor PEM file")
	verifyCmd.MarkFlagRequired("image")
	verifyCmd.MarkFlagRequired("signature")
}

func runVerify(out io.Writer, image, signature, anchor string) error {
	if anchor == "" {
		anchor = os.Getenv(integrity.TrustAnchorEnv)
	}
	if anchor == "" {
		anchor = integrity.DefaultTrustAnchor
	}

	v, err := integrity.LoadVerifier(anchor)
	if err != nil {
		return fmt.Errorf("failed to load trust anchor: %w", err)
	}
	if err := v.Verify(image, signature); err != nil {
		fmt.Fprintf(out, "INVALID: %s\n", image)
		return err
	}
	fmt.Fprintf(out, "VALID: %s\n", image)
	return nil
}
