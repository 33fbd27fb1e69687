package cli

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/wlantunnel/internal/core/policy"
)

var asDefaults bool

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect error policy documents",
}

var policyValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Parse a policy document and print the resolved table",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicyValidate,
}

func init() {
	policyValidateCmd.Flags().BoolVar(&asDefaults, "defaults", false, "validate as a default document (requires a \"*\" catch-all)")
	policyCmd.AddCommand(policyValidateCmd)
	rootCmd.AddCommand(policyCmd)
}

func runPolicyValidate(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}

	var set *policy.Set
	if asDefaults {
		defaults, err := policy.LoadDefaults(data)
		if err != nil {
			return err
		}
		set = policy.NewSet(defaults)
		printPolicies(cmd.OutOrStdout(), defaults)
	} else {
		if len(data) == 0 {
			return fmt.Errorf("%w: empty document", policy.ErrInvalidPolicy)
		}
		set, err = policy.NewSet(policy.BuiltinDefaults()).WithCarrier(0, data)
		if err != nil {
			return err
		}
		printPolicies(cmd.OutOrStdout(), set.Carrier())
	}

	printEvents(cmd.OutOrStdout(), set)
	return nil
}

// printEvents lists every event that unthrottles a session once the
// document is active, defaults included.
func printEvents(out io.Writer, set *policy.Set) {
	events := set.UnthrottlingEvents()
	names := make([]string, 0, len(events))
	for _, ev := range events {
		names = append(names, string(ev))
	}
	if len(names) == 0 {
		names = append(names, "-")
	}
	_, _ = fmt.Fprintf(out, "\nUnthrottling events: %s\n", strings.Join(names, ","))
}

// printPolicies writes one row per policy, APNs sorted, policies in
// match order.
func printPolicies(out io.Writer, policies policy.Policies) {
	apns := make([]string, 0, len(policies))
	for apn := range policies {
		apns = append(apns, apn)
	}
	sort.Strings(apns)

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "APN\tTYPE\tDETAILS\tRETRY\tEVENTS\tPER_FQDN\tHANDOVER")
	for _, apn := range apns {
		for _, p := range policies[apn] {
			events := make([]string, 0, len(p.UnthrottlingEvents))
			for _, ev := range p.UnthrottlingEvents {
				events = append(events, string(ev))
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				apn,
				p.Type,
				strings.Join(p.DetailStrings(), ","),
				p.Retry,
				strings.Join(events, ","),
				optional(p.NumAttemptsPerFqdn),
				optional(p.HandoverAttemptCount),
			)
		}
	}
	_ = w.Flush()
}

func optional(n int) string {
	if n <= 0 {
		return "-"
	}
	return fmt.Sprint(n)
}
