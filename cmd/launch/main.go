// Command launch is a portable cluster launcher: it reads a directory
// of per-node YAML configs and spawns one cmd/node process per config
// for local development, without depending on any particular terminal
// emulator.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
)

func main() {
	configDir := flag.String("configs", "configs", "directory containing one YAML config per node")
	dataDir := flag.String("data", "data", "base directory under which each node gets its own data subdirectory")
	nodeBin := flag.String("node", "node", "path to the node binary")
	flag.Parse()

	if err := run(*configDir, *dataDir, *nodeBin); err != nil {
		fmt.Fprintf(os.Stderr, "launch: %v\n", err)
		os.Exit(1)
	}
}

func run(configDir, dataDir, nodeBin string) error {
	configs, err := findConfigs(configDir)
	if err != nil {
		return err
	}
	if len(configs) == 0 {
		return fmt.Errorf("no *.yaml configs found in %s", configDir)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		cmds []*exec.Cmd
	)

	for _, cfgPath := range configs {
		name := filepath.Base(cfgPath)
		nodeData := filepath.Join(dataDir, name[:len(name)-len(filepath.Ext(name))])
		if err := os.MkdirAll(nodeData, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", nodeData, err)
		}

		cmd := exec.Command(nodeBin, "-config", cfgPath, "-data", nodeData)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Start(); err != nil {
			return fmt.Errorf("start node for %s: %w", cfgPath, err)
		}
		fmt.Printf("launch: started %s (pid %d) using %s\n", name, cmd.Process.Pid, cfgPath)

		mu.Lock()
		cmds = append(cmds, cmd)
		mu.Unlock()

		wg.Add(1)
		go func(c *exec.Cmd, cfg string) {
			defer wg.Done()
			if err := c.Wait(); err != nil {
				fmt.Fprintf(os.Stderr, "launch: node for %s exited: %v\n", cfg, err)
			}
		}(cmd, cfgPath)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("launch: forwarding shutdown signal to all nodes")
	mu.Lock()
	for _, cmd := range cmds {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}
	mu.Unlock()

	wg.Wait()
	return nil
}

func findConfigs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	var configs []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".yaml" || ext == ".yml" {
			configs = append(configs, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(configs)
	return configs, nil
}
