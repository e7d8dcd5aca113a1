package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/trickstertwo/xrpc"
)

var (
	sendTo        []string
	sendPublisher string
	sendTimeout   time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send <alias.method> [json-attributes]",
	Short: "Publish one RPC request",
	Long: `Publishes an action to one or more destinations. Attributes are a JSON
array for positional arguments or a JSON object for named ones:

  xrpcd send billing.charge '[100, "USD"]' --to rpc.billing`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(sendTo) == 0 {
			return xrpc.ErrNoDestination
		}

		_, node, lg, err := loadNode(nil)
		if err != nil {
			return err
		}
		defer func() { _ = node.Close(context.Background()) }()

		pub, err := node.Publisher(sendPublisher)
		if err != nil {
			return err
		}
		req := pub.Request().Action(args[0])
		if len(args) == 2 {
			if req, err = withAttributes(req, args[1]); err != nil {
				return err
			}
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), sendTimeout)
		defer cancel()
		env, err := req.Send(ctx, sendTo...)
		if err != nil {
			return err
		}
		lg.Info().Str("request_id", env.RequestID).Strs("to", sendTo).Msg("request sent")
		_, err = fmt.Fprintln(cmd.OutOrStdout(), env.RequestID)
		return err
	},
}

func init() {
	sendCmd.Flags().StringSliceVarP(&sendTo, "to", "t", nil, "destination topic (repeatable)")
	sendCmd.Flags().StringVarP(&sendPublisher, "publisher", "p", "", "publisher name (default publisher when empty)")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 10*time.Second, "publish timeout")
	rootCmd.AddCommand(sendCmd)
}

// withAttributes decodes raw as a JSON array or object and sets it on req.
func withAttributes(req *xrpc.Request, raw string) (*xrpc.Request, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("attributes: %w", err)
	}
	switch a := v.(type) {
	case []any:
		return req.Attributes(a...), nil
	case map[string]any:
		return req.NamedAttributes(a), nil
	}
	return nil, errors.New("attributes must be a JSON array or object")
}
