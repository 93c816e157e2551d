package main

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	"hosted-payment-bridge/internal/core/domain"
	"hosted-payment-bridge/internal/core/ports"
	"hosted-payment-bridge/internal/service"
	"hosted-payment-bridge/pkg/logger"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "bridgectl",
		Short:         "Operator tools for the hosted payment bridge",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	root.AddCommand(signCmd())
	root.AddCommand(verifyCmd())
	root.AddCommand(signQueryCmd())
	root.AddCommand(statusesCmd())
	return root
}

func hostedPages() *service.HostedPageServiceImpl {
	return service.NewHostedPageService(service.HostedPageConfig{}, logger.NewWithWriter("error", io.Discard))
}

func signCmd() *cobra.Command {
	var (
		id, merch, amount, secret, baseURL, encoding string
		extras                                       []string
	)
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Build a signed hosted-page URL",
		RunE: func(cmd *cobra.Command, _ []string) error {
			amt, err := domain.NormalizeAmount(amount)
			if err != nil {
				return fmt.Errorf("amount: %w", err)
			}
			extra := url.Values{}
			for _, kv := range extras {
				k, v, ok := strings.Cut(kv, "=")
				if !ok || k == "" {
					return fmt.Errorf("extra %q: want key=value", kv)
				}
				extra.Add(k, v)
			}
			built, err := hostedPages().Build(ports.HostedPageParams{
				ID:         id,
				MerchantID: merch,
				Amount:     amt,
				Secret:     secret,
				BaseURL:    baseURL,
				Extras:     extra,
				Encoding:   ports.ParseEncoding(encoding, ports.EncodingBase64),
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), built)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Customer or attempt id")
	cmd.Flags().StringVar(&merch, "merch", "", "Merchant id")
	cmd.Flags().StringVar(&amount, "amount", "", "Amount, normalized to two decimals")
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("HPB_GATEWAY_MERCHANT_SECRET"), "Merchant hash secret")
	cmd.Flags().StringVar(&baseURL, "base-url", "https://dev-secure.rocketgate.com/hostedpage/servlet/HostedPagePurchase", "Hosted page endpoint")
	cmd.Flags().StringVar(&encoding, "encoding", "base64", "Hash encoding (base64, hex)")
	cmd.Flags().StringArrayVarP(&extras, "extra", "e", nil, "Unsigned query parameter key=value (repeatable)")
	return cmd
}

func verifyCmd() *cobra.Command {
	var secret, encoding string
	cmd := &cobra.Command{
		Use:   "verify [url]",
		Short: "Check the hash of a hosted-page URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := url.Parse(args[0])
			if err != nil {
				return fmt.Errorf("parse url: %w", err)
			}
			q := u.Query()
			ts, err := strconv.ParseInt(q.Get("time"), 10, 64)
			if err != nil {
				return fmt.Errorf("time: %w", err)
			}
			fields := ports.SignedFields{
				ID:         q.Get("id"),
				MerchantID: q.Get("merch"),
				Amount:     q.Get("amount"),
				Purchase:   q.Get("purchase"),
				Time:       ts,
			}
			pages := hostedPages()
			if !pages.Verify(fields, secret, q.Get("hash"), ports.ParseEncoding(encoding, ports.EncodingBase64)) {
				return fmt.Errorf("hash mismatch for %q", pages.Canonical(fields))
			}
			fmt.Fprintln(cmd.OutOrStdout(), "valid")
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("HPB_GATEWAY_MERCHANT_SECRET"), "Merchant hash secret")
	cmd.Flags().StringVar(&encoding, "encoding", "base64", "Hash encoding (base64, hex)")
	return cmd
}

func signQueryCmd() *cobra.Command {
	var secret, param, encoding string
	cmd := &cobra.Command{
		Use:   "sign-query [query]",
		Short: "Append a platform query signature (launch, install and proxy links)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := url.ParseQuery(strings.TrimPrefix(args[0], "?"))
			if err != nil {
				return fmt.Errorf("parse query: %w", err)
			}
			sigs := service.NewHMACSignatureService()
			q.Set(param, sigs.Sign(secret, sigs.CanonicalQuery(q, param), ports.ParseEncoding(encoding, ports.EncodingHex)))
			fmt.Fprintln(cmd.OutOrStdout(), q.Encode())
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("HPB_APP_CLIENT_SECRET"), "App client secret")
	cmd.Flags().StringVar(&param, "param", service.QuerySignatureParam, "Signature parameter name")
	cmd.Flags().StringVar(&encoding, "encoding", "hex", "Signature encoding (hex, base64)")
	return cmd
}

func statusesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "statuses",
		Short: "Print the payment status ranks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-18s %s\n", "STATUS", "RANK")
			for _, s := range domain.RankedStatuses() {
				fmt.Fprintf(w, "%-18s %d\n", s, domain.StatusRank(s))
			}
			return nil
		},
	}
}
