package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"cloudrelay/internal/client"
)

func main() {
	app := &cli.App{
		Name:  "relayctl",
		Usage: "upload files through a cloudrelay server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Value:   "http://localhost:8080",
				Usage:   "relay server base URL",
				EnvVars: []string{"RELAY_SERVER"},
			},
			&cli.StringFlag{
				Name:    "user",
				Aliases: []string{"u"},
				Usage:   "user id sent with every request; anonymous when empty",
				EnvVars: []string{"RELAY_USER_ID"},
			},
			&cli.StringFlag{
				Name:    "user-header",
				Value:   client.DefaultUserHeader,
				Usage:   "header carrying the user id",
				EnvVars: []string{"RELAY_USER_HEADER"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "upload",
				Usage:     "upload files or directories; several paths or a directory are zipped first",
				ArgsUsage: "<path>...",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "mode",
						Value: "sequential",
						Usage: "relay mode: sequential or parallel",
					},
					&cli.BoolFlag{
						Name:  "public",
						Usage: "make the transfer visible to anyone with its id",
					},
				},
				Action: upload,
			},
			{
				Name:      "status",
				Usage:     "show a transfer",
				ArgsUsage: "<transfer-id>",
				Action:    status,
			},
			{
				Name:      "cancel",
				Usage:     "cancel an in-flight transfer",
				ArgsUsage: "<transfer-id>",
				Action:    cancel,
			},
			{
				Name:   "quota",
				Usage:  "show today's upload quota",
				Action: quota,
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newClient(c *cli.Context) *client.Client {
	cl := client.New(c.String("server"), c.String("user"))
	cl.UserHeader = c.String("user-header")
	return cl
}

func upload(c *cli.Context) error {
	mode := c.String("mode")
	if mode != "sequential" && mode != "parallel" {
		return client.ArgumentError.New("unknown mode %q", mode)
	}

	sources, err := client.ResolveSources(c.Args().Slice())
	if err != nil {
		return err
	}
	if size, files := client.Totals(sources); len(sources) > 1 || sources[0].Kind == client.SourceDir {
		fmt.Printf("Archiving %d files (%s)\n", files, humanize.IBytes(uint64(size)))
	}

	u, err := client.Prepare(sources)
	if err != nil {
		return err
	}
	defer u.Close()

	fmt.Printf("Uploading %s (%s, %s)\n", u.Name, humanize.IBytes(uint64(u.Size)), u.ContentType)

	last := -1
	res, err := newClient(c).Upload(c.Context, u, client.UploadOptions{
		Mode:   mode,
		Public: c.Bool("public"),
		OnInitiated: func(i *client.Initiated) {
			fmt.Printf("Transfer %s on account %s (chunks of %s)\n", i.TransferID, i.AccountID, humanize.IBytes(uint64(i.ChunkSize)))
		},
		OnProgress: func(pct int) {
			if pct != last {
				last = pct
				fmt.Printf("\r  %3d%%", pct)
			}
		},
	})
	if last >= 0 {
		fmt.Println()
	}
	if err != nil {
		if res != nil {
			return fmt.Errorf("transfer %s: %w", res.TransferID, err)
		}
		return err
	}

	fmt.Printf("✓ Uploaded %s\n", res.TransferID)
	fmt.Printf("  Status: %s%s\n", c.String("server"), res.RetrievalPath)
	return nil
}

func status(c *cli.Context) error {
	id := c.Args().First()
	if id == "" {
		return client.ArgumentError.New("no transfer id provided")
	}

	t, err := newClient(c).Status(c.Context, id)
	if err != nil {
		return err
	}

	fmt.Printf("Transfer:  %s\n", t.ID)
	fmt.Printf("File:      %s (%s)\n", t.Filename, humanize.IBytes(uint64(t.Size)))
	fmt.Printf("Status:    %s\n", t.Status)
	fmt.Printf("Backup:    %s\n", t.BackupStatus)
	fmt.Printf("Created:   %s\n", humanize.Time(t.CreatedAt))
	if t.CompletedAt != nil {
		fmt.Printf("Completed: %s\n", humanize.Time(*t.CompletedAt))
	}
	if t.StorageLocation != "" {
		fmt.Printf("Stored at: %s\n", t.StorageLocation)
	}
	if t.FailureReason != "" {
		fmt.Printf("Failure:   %s\n", t.FailureReason)
	}
	return nil
}

func cancel(c *cli.Context) error {
	id := c.Args().First()
	if id == "" {
		return client.ArgumentError.New("no transfer id provided")
	}

	if err := newClient(c).Cancel(c.Context, id); err != nil {
		return err
	}
	fmt.Printf("✓ Cancelled %s\n", id)
	return nil
}

func quota(c *cli.Context) error {
	q, err := newClient(c).Quota(c.Context)
	if err != nil {
		return err
	}

	who := "user"
	if q.Anonymous {
		who = "anonymous"
	}
	fmt.Printf("Quota (%s)\n", who)
	fmt.Printf("  Used:      %s of %s\n", humanize.IBytes(uint64(q.Used)), humanize.IBytes(uint64(q.Limit)))
	fmt.Printf("  Remaining: %s\n", humanize.IBytes(uint64(q.Remaining)))
	fmt.Printf("  Max file:  %s\n", humanize.IBytes(uint64(q.MaxFileSize)))
	fmt.Printf("  Resets:    %s\n", humanize.Time(q.ResetsAt))
	return nil
}
