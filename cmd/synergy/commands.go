package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/synergy-labs/envelope/pkg/auth"
	"github.com/synergy-labs/envelope/pkg/envelope"
	"github.com/synergy-labs/envelope/pkg/model"
)

func runKeygen(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	out := fs.String("out", "synergy.key", "where to write the private key")
	if err := fs.Parse(args); err != nil {
		return err
	}
	key, err := auth.GenerateKey()
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, []byte(key.HexKey()+"\n"), 0o600); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	fmt.Printf("address %s written to %s\n", model.FormatAddress(key.Address()), *out)
	return nil
}

func runRegisterKey(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("register-key", flag.ContinueOnError)
	common := addCommon(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	s, err := common.open()
	if err != nil {
		return err
	}
	out, err := s.svc.RegisterKey(ctx, s.key)
	if err != nil {
		return err
	}
	return printJSON(out)
}

// parseGrants reads "address=level,address=level".
func parseGrants(s string) (model.ACL, error) {
	acl := model.ACL{}
	if s == "" {
		return acl, nil
	}
	for _, part := range strings.Split(s, ",") {
		addr, lvl, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return nil, fmt.Errorf("grant %q: want address=level", part)
		}
		p, err := model.ParseAddress(addr)
		if err != nil {
			return nil, err
		}
		level, err := model.ParseAccessLevelName(lvl)
		if err != nil {
			return nil, err
		}
		acl[p] = level
	}
	return acl, nil
}

func runPublish(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("publish", flag.ContinueOnError)
	common := addCommon(fs)
	file := fs.String("file", "", "file to publish")
	name := fs.String("name", "", "dataset name (default: the file name)")
	description := fs.String("description", "", "dataset description, at least 10 characters")
	dataType := fs.String("type", string(model.DataTypeOther), "csv, json, images, audio, video, text, mixed or other")
	tags := fs.String("tags", "", "comma separated tags")
	public := fs.Bool("public", false, "let anyone read the dataset")
	plain := fs.Bool("plain", false, "store the file unencrypted")
	grants := fs.String("grant", "", "initial grants as address=level,...")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireFlag("file", *file); err != nil {
		return err
	}
	data, err := os.ReadFile(*file)
	if err != nil {
		return fmt.Errorf("read %s: %w", *file, err)
	}
	if *name == "" {
		*name = fileName(*file)
	}
	meta := model.Metadata{
		DataType:    model.DataType(*dataType),
		Description: *description,
		Name:        *name,
		Size:        int64(len(data)),
		Tags:        splitTags(*tags),
	}
	blob, err := meta.Encode()
	if err != nil {
		return err
	}
	acl, err := parseGrants(*grants)
	if err != nil {
		return err
	}

	s, err := common.open()
	if err != nil {
		return err
	}
	res, err := s.svc.Publish(ctx, s.key, data, !*plain, envelope.PublishOptions{
		Metadata: json.RawMessage(blob),
		Grantees: acl,
		IsPublic: *public,
	})
	if err != nil {
		return err
	}
	return printJSON(res)
}

func fileName(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}

func splitTags(s string) []string {
	out := []string{}
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func runFetch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("fetch", flag.ContinueOnError)
	common := addCommon(fs)
	id := fs.String("id", "", "dataset id")
	out := fs.String("out", "", "output file (default stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireFlag("id", *id); err != nil {
		return err
	}
	s, err := common.open()
	if err != nil {
		return err
	}
	data, err := s.svc.Fetch(ctx, s.key, *id)
	if err != nil {
		return err
	}
	if *out == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(*out, data, 0o600)
}

// principalArgs are the flags of commands that act on one
// principal of one dataset.
type principalArgs struct {
	common    commonFlags
	id        string
	principal model.Address
	level     string
}

func parsePrincipalArgs(name string, args []string) (*principalArgs, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	common := addCommon(fs)
	id := fs.String("id", "", "dataset id")
	principal := fs.String("principal", "", "principal address")
	level := fs.String("level", "read", "access level: read, modify or admin")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := requireFlag("id", *id); err != nil {
		return nil, err
	}
	p, err := model.ParseAddress(*principal)
	if err != nil {
		return nil, err
	}
	return &principalArgs{common: common, id: *id, principal: p, level: *level}, nil
}

func runGrant(ctx context.Context, args []string) error {
	pa, err := parsePrincipalArgs("grant", args)
	if err != nil {
		return err
	}
	level, err := model.ParseAccessLevelName(pa.level)
	if err != nil {
		return err
	}
	s, err := pa.common.open()
	if err != nil {
		return err
	}
	out, err := s.svc.Grant(ctx, s.key, pa.id, pa.principal, level)
	if err != nil {
		return err
	}
	return printJSON(out)
}

func runRevoke(ctx context.Context, args []string) error {
	pa, err := parsePrincipalArgs("revoke", args)
	if err != nil {
		return err
	}
	s, err := pa.common.open()
	if err != nil {
		return err
	}
	out, err := s.svc.Revoke(ctx, s.key, pa.id, pa.principal)
	if err != nil {
		return err
	}
	return printJSON(out)
}

func runTransfer(ctx context.Context, args []string) error {
	pa, err := parsePrincipalArgs("transfer", args)
	if err != nil {
		return err
	}
	s, err := pa.common.open()
	if err != nil {
		return err
	}
	out, err := s.svc.TransferOwner(ctx, s.key, pa.id, pa.principal)
	if err != nil {
		return err
	}
	return printJSON(out)
}

// datasetCommand runs fn for commands that only name a
// dataset.
func datasetCommand(
	name string,
	args []string,
	fn func(ctx context.Context, s *session, id string) (any, error),
) func(context.Context) error {
	return func(ctx context.Context) error {
		fs := flag.NewFlagSet(name, flag.ContinueOnError)
		common := addCommon(fs)
		id := fs.String("id", "", "dataset id")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if err := requireFlag("id", *id); err != nil {
			return err
		}
		s, err := common.open()
		if err != nil {
			return err
		}
		out, err := fn(ctx, s, *id)
		if err != nil {
			return err
		}
		return printJSON(out)
	}
}

func runAccess(ctx context.Context, args []string) error {
	return datasetCommand("access", args, func(ctx context.Context, s *session, id string) (any, error) {
		return s.client.ListAccess(ctx, id)
	})(ctx)
}

func runRekey(ctx context.Context, args []string) error {
	return datasetCommand("rekey", args, func(ctx context.Context, s *session, id string) (any, error) {
		return s.svc.Rekey(ctx, s.key, id)
	})(ctx)
}

func runRetire(ctx context.Context, args []string) error {
	return datasetCommand("retire", args, func(ctx context.Context, s *session, id string) (any, error) {
		return s.svc.Retire(ctx, s.key, id)
	})(ctx)
}
