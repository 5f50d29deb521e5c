package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/queuectl/queuectl"
)

// workerRegistry is the JSON pid file tracking spawned worker processes.
// Workers run as separate OS processes for crash containment; the
// registry only exists so that "worker stop" and "status" can find them.
type workerRegistry struct {
	Workers map[string]workerInfo `json:"workers"`
}

type workerInfo struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

func registryPath() string {
	return filepath.Join(configDir(), "workers.json")
}

func readRegistry() (*workerRegistry, error) {
	reg := &workerRegistry{Workers: map[string]workerInfo{}}
	data, err := os.ReadFile(registryPath())
	if errors.Is(err, os.ErrNotExist) {
		return reg, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, reg); err != nil {
		// A corrupted registry only loses track of workers; start fresh.
		return &workerRegistry{Workers: map[string]workerInfo{}}, nil
	}
	if reg.Workers == nil {
		reg.Workers = map[string]workerInfo{}
	}
	return reg, nil
}

func writeRegistry(reg *workerRegistry) error {
	if err := os.MkdirAll(configDir(), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(registryPath(), append(data, '\n'), 0o644)
}

func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// liveWorkers returns the registry entries whose processes still exist.
func liveWorkers() (map[string]workerInfo, error) {
	reg, err := readRegistry()
	if err != nil {
		return nil, err
	}
	live := map[string]workerInfo{}
	for id, info := range reg.Workers {
		if processAlive(info.PID) {
			live[id] = info
		}
	}
	return live, nil
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Manage worker processes",
}

var workerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start worker processes",
	Long:  `Start one or more detached worker processes. Each worker is a separate OS process with its own identity; a crashed worker's jobs are recovered by the remaining ones.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		count, err := cmd.Flags().GetInt("count")
		if err != nil {
			return err
		}
		if count < 1 {
			return errors.New("worker count must be at least 1")
		}
		self, err := os.Executable()
		if err != nil {
			return err
		}
		reg, err := readRegistry()
		if err != nil {
			return err
		}
		logPath := filepath.Join(configDir(), "worker.log")
		logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		defer logFile.Close()

		for i := 0; i < count; i++ {
			id := fmt.Sprintf("worker-%d-%d", time.Now().UnixMilli(), i)
			child := exec.Command(self, "worker", "run", "--id", id)
			child.Stdout = logFile
			child.Stderr = logFile
			child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
			if err := child.Start(); err != nil {
				return fmt.Errorf("start worker %s: %w", id, err)
			}
			reg.Workers[id] = workerInfo{PID: child.Process.Pid, StartedAt: time.Now().UTC()}
			fmt.Printf("Started worker %s (PID %d)\n", id, child.Process.Pid)
			// The child outlives us; don't wait on it, just release it.
			_ = child.Process.Release()
		}
		return writeRegistry(reg)
	},
}

var workerStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop all running worker processes",
	Long:  `Send a termination signal to every registered worker. Workers finish their in-flight job before exiting.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		live, err := liveWorkers()
		if err != nil {
			return err
		}
		if len(live) == 0 {
			fmt.Println("No workers are running")
			return writeRegistry(&workerRegistry{Workers: map[string]workerInfo{}})
		}
		var stopped int
		for id, info := range live {
			process, err := os.FindProcess(info.PID)
			if err != nil {
				continue
			}
			if err := process.Signal(syscall.SIGTERM); err == nil {
				stopped++
				fmt.Printf("Sent stop signal to worker %s (PID %d)\n", id, info.PID)
			}
		}
		if err := writeRegistry(&workerRegistry{Workers: map[string]workerInfo{}}); err != nil {
			return err
		}
		fmt.Printf("Stopped %d worker(s); they drain their in-flight jobs before exiting\n", stopped)
		return nil
	},
}

var workerRunCmd = &cobra.Command{
	Use:    "run",
	Short:  "Run a single worker in the foreground",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := cmd.Flags().GetString("id")
		if err != nil {
			return err
		}
		var options []queuectl.WorkerOption
		if id != "" {
			options = append(options, queuectl.SetWorkerID(id))
		}
		options = append(options, queuectl.TrapSignals())
		w := queuectl.NewWorker(manager, options...)
		return w.Run(cmd.Context())
	},
}

func init() {
	workerStartCmd.Flags().IntP("count", "c", 1, "Number of workers to start")
	workerRunCmd.Flags().String("id", "", "Worker identity (generated when empty)")
	workerCmd.AddCommand(workerStartCmd)
	workerCmd.AddCommand(workerStopCmd)
	workerCmd.AddCommand(workerRunCmd)
}
