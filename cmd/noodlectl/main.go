// Copyright 2024 Noodle, Inc.
// This software is released under an MIT/X11 open source license.

// Noodlectl is a command-line smoke-test client for a running
// noodled server, grounded on coordbench's cli.App/cli.Command
// structure.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli"

	"github.com/noodle-run/noodle/restclient"
)

var serverURL string

func main() {
	app := cli.NewApp()
	app.Name = "noodlectl"
	app.Usage = "inspect and exercise a noodled resource tree"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:        "server",
			Value:       "http://localhost:5980/noodle",
			Usage:       "URL of the noodled root document",
			Destination: &serverURL,
		},
	}
	app.Commands = []cli.Command{
		infoCommand,
		nodeCommand,
		mountCommand,
		unmountCommand,
		linkCommand,
		unlinkCommand,
		lockCommand,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "noodlectl:", err)
		os.Exit(1)
	}
}

func client() (*restclient.Client, error) {
	return restclient.New(serverURL)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var infoCommand = cli.Command{
	Name:  "info",
	Usage: "print the server's root document",
	Action: func(c *cli.Context) error {
		cl, err := client()
		if err != nil {
			return err
		}
		return printJSON(cl.Representation)
	},
}

var nodeCommand = cli.Command{
	Name:      "node",
	Usage:     "print a node's record and direct children",
	ArgsUsage: "<node_key>",
	Flags: []cli.Flag{
		cli.IntFlag{Name: "child-start", Value: 0},
		cli.IntFlag{Name: "child-end", Value: -1},
	},
	Action: func(c *cli.Context) error {
		key := c.Args().First()
		if key == "" {
			return fmt.Errorf("node_key is required")
		}
		cl, err := client()
		if err != nil {
			return err
		}
		n, err := cl.Node(key)
		if err != nil {
			return err
		}
		info, err := n.GetInfo(c.Int("child-start"), c.Int("child-end"))
		if err != nil {
			return err
		}
		return printJSON(info)
	},
}

var mountCommand = cli.Command{
	Name:      "mount",
	Usage:     "mount a node from a resource-node template",
	ArgsUsage: "<node_key> <template_name>",
	Action: func(c *cli.Context) error {
		if c.NArg() < 2 {
			return fmt.Errorf("usage: noodlectl mount <node_key> <template_name>")
		}
		cl, err := client()
		if err != nil {
			return err
		}
		n, err := cl.Node(c.Args().Get(0))
		if err != nil {
			return err
		}
		return n.Mount(c.Args().Get(1), nil)
	},
}

var unmountCommand = cli.Command{
	Name:      "unmount",
	Usage:     "unmount a node and its subtree",
	ArgsUsage: "<node_key>",
	Action: func(c *cli.Context) error {
		key := c.Args().First()
		if key == "" {
			return fmt.Errorf("node_key is required")
		}
		cl, err := client()
		if err != nil {
			return err
		}
		n, err := cl.Node(key)
		if err != nil {
			return err
		}
		return n.Unmount()
	},
}

var linkCommand = cli.Command{
	Name:      "link",
	Usage:     "acquire a tree-level lock on a node",
	ArgsUsage: "<node_key> {r|w}",
	Action: func(c *cli.Context) error {
		if c.NArg() < 2 {
			return fmt.Errorf("usage: noodlectl link <node_key> {r|w}")
		}
		cl, err := client()
		if err != nil {
			return err
		}
		n, err := cl.Node(c.Args().Get(0))
		if err != nil {
			return err
		}
		lock, err := n.Link("", c.Args().Get(1), 0, 0.1)
		if err != nil {
			return err
		}
		return printJSON(lock)
	},
}

var unlinkCommand = cli.Command{
	Name:      "unlink",
	Usage:     "release a lock acquired by link",
	ArgsUsage: "<node_key> <lock_id>",
	Action: func(c *cli.Context) error {
		if c.NArg() < 2 {
			return fmt.Errorf("usage: noodlectl unlink <node_key> <lock_id>")
		}
		cl, err := client()
		if err != nil {
			return err
		}
		n, err := cl.Node(c.Args().Get(0))
		if err != nil {
			return err
		}
		return n.Unlink(c.Args().Get(1))
	},
}

var lockCommand = cli.Command{
	Name:      "lock",
	Usage:     "print a lock's record",
	ArgsUsage: "<lock_id>",
	Action: func(c *cli.Context) error {
		lockID := c.Args().First()
		if lockID == "" {
			return fmt.Errorf("lock_id is required")
		}
		cl, err := client()
		if err != nil {
			return err
		}
		l, err := cl.Lock(lockID)
		if err != nil {
			return err
		}
		info, err := l.GetInfo()
		if err != nil {
			return err
		}
		return printJSON(info)
	},
}
