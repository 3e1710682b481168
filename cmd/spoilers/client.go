package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"go.spoilers.dev/core/api"
	"go.spoilers.dev/core/auth"
	mbp "go.spoilers.dev/core/mainboilerplate"
	"go.spoilers.dev/core/staging"
)

// ClientConfig addresses a running server.
type ClientConfig struct {
	Address string        `long:"address" env:"ADDRESS" default:"http://localhost:8080" description:"Address of the server"`
	Timeout time.Duration `long:"timeout" env:"TIMEOUT" default:"5m" description:"Bound on the duration of a request"`
}

type cmdBuffers struct {
	ClientConfig
}

func (cmd *cmdBuffers) Execute([]string) error {
	mbp.InitLog(Config.Log)

	var out []api.BufferStatus
	mbp.Must(cmd.do("GET", "/debug/buffers", &out), "failed to list buffers")

	return writeBuffers(os.Stdout, out)
}

// writeBuffers writes a table of BufferStatuses to |w|.
func writeBuffers(w io.Writer, statuses []api.BufferStatus) error {
	var table = tablewriter.NewWriter(w)
	table.Header([]string{"Resource", "Depth", "State", "Last Flush", "Rows", "Started", "Error"})

	for _, s := range statuses {
		var row = []string{s.Resource, strconv.Itoa(s.Depth), s.State, "", "", "", s.Error}
		if l := s.Last; l != nil {
			row[3], row[4], row[5] = l.Outcome, strconv.FormatInt(l.Rows, 10), l.Started
			if l.Error != "" {
				row[6] = l.Error
			}
		}
		if err := table.Append(row); err != nil {
			return err
		}
	}
	return table.Render()
}

type cmdFlush struct {
	ClientConfig
}

func (cmd *cmdFlush) Execute(args []string) error {
	mbp.InitLog(Config.Log)

	if len(args) == 0 {
		var out []api.BufferStatus
		mbp.Must(cmd.do("GET", "/debug/buffers", &out), "failed to list buffers")

		for _, s := range out {
			args = append(args, s.Resource)
		}
	}

	var table = tablewriter.NewWriter(os.Stdout)
	table.Header([]string{"Resource", "Outcome", "Rows", "Duration", "Error"})

	for _, name := range args {
		var out api.FlushResult
		mbp.Must(cmd.do("POST", "/debug/flush?resource="+url.QueryEscape(name), &out),
			"failed to flush resource", "resource", name)

		var err = table.Append([]string{
			name,
			out.Outcome,
			strconv.FormatInt(out.Rows, 10),
			time.Duration(out.Seconds * float64(time.Second)).String(),
			out.Error,
		})
		if err != nil {
			return err
		}
	}
	return table.Render()
}

// do the request, decoding its JSON response into |out|.
func (cfg ClientConfig) do(method, path string, out interface{}) error {
	var ctx, cancel = context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	var req, err = http.NewRequestWithContext(ctx, method, cfg.Address+path, nil)
	if err != nil {
		return err
	}
	if Config.Auth.Keys != "" {
		var ka, err = auth.NewKeyedAuth(Config.Auth.Keys)
		if err != nil {
			return err
		}
		header, err := ka.Authorize(auth.Claims{Capability: auth.Capability_DEBUG}, time.Minute)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", header)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	} else if resp.StatusCode != http.StatusOK {
		var failed struct {
			Errors []string `json:"errors"`
		}
		_ = json.Unmarshal(body, &failed)
		return fmt.Errorf("%s (%v)", resp.Status, failed.Errors)
	}
	return json.Unmarshal(body, out)
}

type cmdStaged struct {
	Prefix string `long:"prefix" description:"Path prefix of listed objects, such as a resource table followed by '/'"`
}

func (cmd *cmdStaged) Execute([]string) error {
	mbp.InitLog(Config.Log)

	var stage, err = staging.Open(Config.Staging.URL)
	mbp.Must(err, "failed to open staging store", "url", Config.Staging.URL)

	var table = tablewriter.NewWriter(os.Stdout)
	table.Header([]string{"URL", "Modified"})

	var count int
	mbp.Must(stage.List(context.Background(), cmd.Prefix, func(path string, modTime time.Time) error {
		count++
		return table.Append([]string{stage.URL(cmd.Prefix + path), humanize.Time(modTime)})
	}), "failed to list staged objects")

	if err = table.Render(); err != nil {
		return err
	}
	fmt.Printf("%d objects\n", count)
	return nil
}
