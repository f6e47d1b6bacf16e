package inference

import (
	"errors"
	"time"

	"github.com/calderhughes/weft/internal/executor"
	"github.com/calderhughes/weft/internal/logger"
	"github.com/calderhughes/weft/internal/model"
	"github.com/calderhughes/weft/internal/nn"
	"github.com/calderhughes/weft/internal/nn/cpu"
	"github.com/calderhughes/weft/internal/transport"
)

// controlReadMaxAttempts bounds the turbo spin on the control packet read.
const controlReadMaxAttempts = 10000

// WorkerOptions are the worker's CLI-level settings.
type WorkerOptions struct {
	Port     int
	NThreads int
	NetTurbo bool
}

// RunWorker serves forever: each iteration accepts a root, bootstraps,
// loads weights, and runs the inference loop until the stop packet or a
// transport failure, then returns to listening.
func RunWorker(opts WorkerOptions, log logger.Logger) error {
	for {
		err := serveOnce(opts, log)
		if err == nil {
			continue
		}
		// A broken connection sends the worker back to listening;
		// configuration and format errors are fatal.
		var transferErr *transport.TransferError
		if errors.As(err, &transferErr) {
			log.Warn("connection lost, listening again", "err", err)
			continue
		}
		return err
	}
}

func serveOnce(opts WorkerOptions, log logger.Logger) error {
	network, err := transport.Serve(opts.Port)
	if err != nil {
		return err
	}
	defer network.Close()
	log.Info("root connected")

	boot, err := network.ReadBootstrapPacket(transport.RootSocketIndex)
	if err != nil {
		return err
	}
	configReader := transport.NewWorkerConfigReader(network)
	netConfig, err := configReader.ReadNet()
	if err != nil {
		return err
	}
	nodeConfig, err := configReader.ReadNode()
	if err != nil {
		return err
	}
	log.Info("node config received",
		"node", nodeConfig.NodeIndex,
		"requiredMemory", nn.RequiredMemory(netConfig, nodeConfig))

	useLocalLoading := boot.ModelPath != "" && boot.Ratios != ""
	var plan *nn.PartitionPlan
	var header *model.Header
	if useLocalLoading {
		header, err = model.LoadHeader(boot.ModelPath, int(boot.MaxSeqLen), boot.SyncTypeFloat())
		if err != nil {
			return err
		}
		// Q40 weights require quantized activation exchange.
		if header.WeightType == nn.Q40 && header.SyncType != nn.Q80 {
			header.SyncType = nn.Q80
		}
		stageDefs, err := model.ParseStageDefs(boot.Ratios, netConfig.NNodes, header.NLayers)
		if err != nil {
			return err
		}
		plan, err = nn.NewPartitionPlan(stageDefs, header.NHeads, header.NKvHeads, header.VocabSize, header.FfnDim(), header.Dim)
		if err != nil {
			return err
		}
		nodeConfig.Plan = plan
	}

	execution := executor.NewNetExecution(opts.NThreads, netConfig)
	device := cpu.NewDevice(netConfig, nodeConfig, execution, plan)
	synchronizer := transport.NewSynchronizer(network, execution, netConfig, nodeConfig, plan)
	profile := boot.BenchmarkEnabled != 0
	exec, err := executor.NewExecutor(netConfig, nodeConfig,
		[]executor.ExecutorDevice{{Device: device, SegmentFrom: -1, SegmentTo: -1}},
		execution, synchronizer, profile)
	if err != nil {
		return err
	}

	if useLocalLoading {
		tempNet, err := model.BuildNet(header, 1, plan)
		if err != nil {
			return err
		}
		if err := model.LoadWeightsLocal(boot.ModelPath, tempNet, exec, plan, nodeConfig.NodeIndex, log); err != nil {
			return err
		}
	} else {
		if err := model.NewWorkerWeightReader(exec, network, log).Read(); err != nil {
			return err
		}
	}

	runInferenceLoop(opts, network, execution, exec, netConfig, nodeConfig, plan, profile, log)
	return nil
}

// runInferenceLoop reads control packets until the stop sentinel. Turbo
// mode drops back to blocking after one second of idle spinning and is
// re-armed on the next forward.
func runInferenceLoop(opts WorkerOptions, network *transport.Network, execution *executor.NetExecution, exec *executor.Executor, netConfig *nn.NetConfig, nodeConfig *nn.NodeConfig, plan *nn.PartitionPlan, profile bool, log logger.Logger) {
	positionPipe := f32(execution.Pipes[0])
	packet := make([]byte, 12)
	isFirstAttempt := true
	isTurboEnabled := false
	var idleStart time.Time

	for {
		if isFirstAttempt {
			idleStart = time.Now()
		}
		ok, err := network.TryReadWithMaxAttempts(transport.RootSocketIndex, packet, controlReadMaxAttempts)
		if err != nil {
			var transferErr *transport.TransferError
			if errors.As(err, &transferErr) {
				log.Warn("network error", "err", err)
				return
			}
			log.Error("control read failed", "err", err)
			return
		}
		if !ok {
			if isTurboEnabled && !isFirstAttempt && time.Since(idleStart) > time.Second {
				network.SetTurbo(false)
				isTurboEnabled = false
				log.Info("network is in blocking mode")
			}
			isFirstAttempt = false
			continue
		}

		control := transport.DecodeControlPacket(packet)
		if control.BatchSize == 0 {
			log.Info("stop control packet received")
			return
		}
		for i := 0; i < int(control.BatchSize); i++ {
			positionPipe[i] = float32(control.Position + uint32(i))
		}
		execution.SetBatchSize(int(control.BatchSize))

		if opts.NetTurbo && !isTurboEnabled {
			network.SetTurbo(true)
			isTurboEnabled = true
			log.Info("network is in non-blocking mode")
		}
		if err := exec.Forward(); err != nil {
			log.Warn("inference error", "err", err)
			return
		}

		// Root blocks on perf replies whenever the control packet carries
		// the profile bit, so reply even if this worker was started
		// without profiling (times are zero then).
		if control.Flags&transport.CtrlProfile != 0 {
			perf := transport.PerfPacket{
				Position:   control.Position,
				BatchSize:  control.BatchSize,
				NodeIndex:  uint32(nodeConfig.NodeIndex),
				StageIndex: uint32(nn.StageIndexForNode(plan, nodeConfig.NodeIndex)),
			}
			if profile {
				perf.ExecUs = exec.TotalTime(executor.StepExecuteOp)
				perf.SyncUs = exec.TotalTime(executor.StepSyncNodes)
			}
			if err := network.Write(transport.RootSocketIndex, perf.Encode()); err != nil {
				log.Warn("perf reply failed", "err", err)
				return
			}
		}
		isFirstAttempt = true
	}
}
