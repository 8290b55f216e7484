package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/windlass-ci/windlass/internal/model"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Exchange an API key for an operator token",
	Long: `Login reads an API key (from --api-key, $WINDLASS_API_KEY, or an
interactive prompt) and exchanges it for a short-lived operator JWT. Export
the printed token as WINDLASS_TOKEN for subsequent commands.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}

		apiKey, _ := cmd.Flags().GetString("api-key")
		if apiKey == "" {
			apiKey = os.Getenv("WINDLASS_API_KEY")
		}
		if apiKey == "" {
			fmt.Fprint(cmd.ErrOrStderr(), "API key: ")
			raw, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(cmd.ErrOrStderr())
			if err != nil {
				return fmt.Errorf("read api key: %w", err)
			}
			apiKey = strings.TrimSpace(string(raw))
		}
		if apiKey == "" {
			return fmt.Errorf("no API key provided")
		}

		var resp model.TokenResponse
		if err := c.post(cmd.Context(), "/auth/token", model.TokenRequest{APIKey: apiKey}, &resp); err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Token (expires %s):\n%s\n", resp.ExpiresAt.Local().Format("2006-01-02 15:04"), resp.Token)
		fmt.Fprintf(cmd.ErrOrStderr(), "\nexport WINDLASS_TOKEN=%s\n", resp.Token)
		return nil
	},
}

func init() {
	loginCmd.Flags().String("api-key", "", "API key (default $WINDLASS_API_KEY, else prompted)")
}
