package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/calderhughes/weft/internal/executor"
	"github.com/calderhughes/weft/internal/inference"
	"github.com/calderhughes/weft/internal/logger"
	"github.com/calderhughes/weft/internal/logits"
	"github.com/calderhughes/weft/internal/model"
	"github.com/calderhughes/weft/internal/nn"
	"github.com/calderhughes/weft/internal/nn/cpu"
	"github.com/calderhughes/weft/internal/server"
	"github.com/calderhughes/weft/internal/tokenizer"
	"github.com/calderhughes/weft/internal/transport"
)

// nBatches is the pipe batch capacity used for multi-token prompt
// evaluation.
const nBatches = 32

func inferenceCmd() *cli.Command {
	return &cli.Command{
		Name:  "inference",
		Usage: "Generate a completion for a prompt",
		Flags: rootFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runRoot(ctx, cmd, runInference)
		},
	}
}

func chatCmd() *cli.Command {
	return &cli.Command{
		Name:  "chat",
		Usage: "Interactive chat loop",
		Flags: rootFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runRoot(ctx, cmd, runChat)
		},
	}
}

func perplexityCmd() *cli.Command {
	return &cli.Command{
		Name:  "perplexity",
		Usage: "Compute prompt perplexity",
		Flags: rootFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runRoot(ctx, cmd, runPerplexity)
		},
	}
}

func rootFlags() []cli.Flag {
	flags := modelFlags()
	flags = append(flags, clusterFlags()...)
	flags = append(flags, samplerFlags()...)
	flags = append(flags, loggingFlags()...)
	return flags
}

// rootContext bundles everything a root-mode handler needs.
type rootContext struct {
	log       logger.Logger
	header    *model.Header
	net       *model.Net
	plan      *nn.PartitionPlan
	execution *executor.NetExecution
	network   *transport.Network
	root      *inference.Root
	sampler   *logits.Sampler
	tok       *tokenizer.Tokenizer
}

func parseWorkerAddrs(addrs []string) (hosts []string, ports []int, err error) {
	for _, addr := range addrs {
		host, portStr, ok := strings.Cut(addr, ":")
		if !ok {
			return nil, nil, fmt.Errorf("invalid worker address: %q", addr)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid worker port in %q", addr)
		}
		hosts = append(hosts, host)
		ports = append(ports, port)
	}
	return hosts, ports, nil
}

func runRoot(ctx context.Context, cmd *cli.Command, handler func(ctx context.Context, rc *rootContext) error) error {
	applyConfig(cmd, loadConfig())
	log := newLogger(os.Stderr)

	if gpuIndex >= 0 {
		return fmt.Errorf("this build does not support GPU")
	}
	if nThreads < 1 {
		return fmt.Errorf("number of threads must be at least 1")
	}
	syncType, err := nn.ParseFloatType(bufferFloat)
	if err != nil {
		return err
	}
	hosts, ports, err := parseWorkerAddrs(workers)
	if err != nil {
		return err
	}
	nNodes := len(hosts) + 1

	header, err := model.LoadHeader(modelPath, int(maxSeqLen), syncType)
	if err != nil {
		return err
	}
	if nNodes > header.NKvHeads {
		return fmt.Errorf("cannot run %d nodes: the model has only %d KV heads", nNodes, header.NKvHeads)
	}
	if header.WeightType == nn.Q40 && header.SyncType != nn.Q80 {
		header.SyncType = nn.Q80
	}
	header.Log(log)

	tok, err := tokenizer.Load(tokenizerPath)
	if err != nil {
		return err
	}
	if tok.VocabSize() != header.VocabSize {
		log.Warn("tokenizer vocab size does not match the model", "tokenizer", tok.VocabSize(), "model", header.VocabSize)
	}

	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	sampler := logits.NewSampler(logits.SamplerConfig{
		Seed:        seed,
		Temperature: float32(temperature),
		TopP:        float32(topp),
	})

	var stageDefs []nn.StageDef
	if ratios != "" {
		stageDefs, err = model.ParseStageDefs(ratios, nNodes, header.NLayers)
		if err != nil {
			return err
		}
		log.Info("partitioning enabled", "ratios", ratios, "stages", len(stageDefs))
	} else {
		stageDefs = model.UniformStageDefs(nNodes, header.NLayers)
	}
	plan, err := nn.NewPartitionPlan(stageDefs, header.NHeads, header.NKvHeads, header.VocabSize, header.FfnDim(), header.Dim)
	if err != nil {
		return err
	}
	if err := plan.Validate(header.NLayers); err != nil {
		return err
	}
	logPlan(log, plan)

	net, err := model.BuildNet(header, nBatches, plan)
	if err != nil {
		return err
	}
	rootNodeConfig := &net.NodeConfigs[0]
	log.Info("node memory", "required", humanize.IBytes(uint64(nn.RequiredMemory(&net.NetConfig, rootNodeConfig))))

	execution := executor.NewNetExecution(int(nThreads), &net.NetConfig)

	var network *transport.Network
	var synchronizer executor.Synchronizer = transport.FakeSynchronizer{}
	if nNodes > 1 {
		network, err = transport.Connect(hosts, ports)
		if err != nil {
			return err
		}
		defer network.Close()

		boot := &transport.BootstrapPacket{
			Magic:            transport.BootstrapMagic,
			Version:          transport.BootstrapVersion,
			MaxSeqLen:        uint32(maxSeqLen),
			SyncType:         uint32(int32(header.SyncType)),
			BenchmarkEnabled: boolToU32(benchmark),
		}
		if ratios != "" {
			boot.ModelPath = modelPath
			boot.Ratios = ratios
		}
		for socketIndex := 0; socketIndex < network.NSockets(); socketIndex++ {
			if err := network.WriteBootstrapPacket(socketIndex, boot); err != nil {
				return err
			}
		}
		synchronizer = transport.NewSynchronizer(network, execution, &net.NetConfig, rootNodeConfig, plan)
		if err := transport.NewRootConfigWriter(network).WriteToWorkers(&net.NetConfig, net.NodeConfigs); err != nil {
			return err
		}
	}

	device := cpu.NewDevice(&net.NetConfig, rootNodeConfig, execution, plan)
	exec, err := executor.NewExecutor(&net.NetConfig, rootNodeConfig,
		[]executor.ExecutorDevice{{Device: device, SegmentFrom: -1, SegmentTo: -1}},
		execution, synchronizer, benchmark)
	if err != nil {
		return err
	}

	if ratios != "" {
		if err := model.LoadWeightsLocal(modelPath, net, exec, plan, 0, log); err != nil {
			return err
		}
	} else {
		loader := model.NewRootWeightLoader(exec, network, nNodes)
		if err := model.LoadWeightsRoot(modelPath, net, loader, log); err != nil {
			return err
		}
	}

	if network != nil {
		network.ResetStats()
		if netTurbo {
			network.SetTurbo(true)
			log.Info("network is in non-blocking mode")
		}
	}

	root := inference.NewRoot(net, execution, exec, network, benchmark)

	if statusAddr != "" {
		statusCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		status := server.New(plan, func() []transport.PerfPacket { return root.LastPerf })
		go status.Start(statusCtx, statusAddr, log)
	}

	rc := &rootContext{
		log:       log,
		header:    header,
		net:       net,
		plan:      plan,
		execution: execution,
		network:   network,
		root:      root,
		sampler:   sampler,
		tok:       tok,
	}
	defer root.Finish()
	return handler(ctx, rc)
}

func boolToU32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

func logPlan(log logger.Logger, plan *nn.PartitionPlan) {
	for s := range plan.Stages {
		stage := &plan.Stages[s]
		heads := make([]int, 0, len(stage.NodeIndices))
		kv := make([]int, 0, len(stage.NodeIndices))
		dims := make([]int, 0, len(stage.NodeIndices))
		for _, node := range stage.NodeIndices {
			heads = append(heads, plan.HeadSplit.Lengths[node])
			kv = append(kv, plan.KvHeadSplit.Lengths[node])
			dims = append(dims, plan.DimSplit.Lengths[node])
		}
		log.Info("stage",
			"index", stage.StageIndex,
			"layers", fmt.Sprintf("%d..%d", stage.StartLayer, stage.EndLayer-1),
			"root", stage.RootNodeIndex,
			"nodes", stage.NodeIndices,
			"heads", heads,
			"kvHeads", kv,
			"dims", dims)
	}
}

func runInference(_ context.Context, rc *rootContext) error {
	if prompt == "" {
		return fmt.Errorf("missing --prompt")
	}
	promptTokens := rc.tok.Encode(prompt, true)
	rc.log.Info("prompt encoded", "tokens", len(promptTokens))

	fmt.Print(prompt)
	stats, err := inference.Generate(rc.root, rc.sampler, promptTokens, int(steps), nBatches, func(id int) bool {
		fmt.Print(rc.tok.Decode(id))
		return id != rc.tok.EosID()
	})
	fmt.Println()
	if err != nil {
		return err
	}
	rc.log.Info("generation finished",
		"promptTokens", stats.PromptTokens,
		"generated", stats.TokensGenerated,
		"prefill", stats.PrefillDuration.Round(time.Millisecond),
		"tps", fmt.Sprintf("%.2f", stats.TPS))
	logNetStats(rc)
	logPerf(rc)
	return nil
}

func runChat(ctx context.Context, rc *rootContext) error {
	templateType := tokenizer.TemplateLlama3
	if chatTemplate != "" {
		var err error
		templateType, err = tokenizer.ParseTemplateType(chatTemplate)
		if err != nil {
			return err
		}
	}
	template := &tokenizer.ChatTemplate{Type: templateType}
	var messages []tokenizer.Message

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/exit" {
			return nil
		}
		messages = append(messages, tokenizer.Message{Role: "user", Content: line})
		promptTokens := rc.tok.Encode(template.Render(messages), true)

		var reply strings.Builder
		stop := template.StopToken()
		_, err := inference.Generate(rc.root, rc.sampler, promptTokens, int(steps), nBatches, func(id int) bool {
			if id == rc.tok.EosID() {
				return false
			}
			piece := rc.tok.Decode(id)
			reply.WriteString(piece)
			fmt.Print(piece)
			return !strings.HasSuffix(reply.String(), stop)
		})
		fmt.Println()
		if err != nil {
			return err
		}
		messages = append(messages, tokenizer.Message{
			Role:    "assistant",
			Content: strings.TrimSuffix(reply.String(), stop),
		})
		if ctx.Err() != nil {
			return nil
		}
	}
}

func runPerplexity(_ context.Context, rc *rootContext) error {
	if prompt == "" {
		return fmt.Errorf("missing --prompt")
	}
	promptTokens := rc.tok.Encode(prompt, true)
	nll, ppl, err := inference.Perplexity(rc.root, promptTokens, nBatches)
	if err != nil {
		return err
	}
	rc.log.Info("perplexity", "tokens", len(promptTokens), "nll", fmt.Sprintf("%.4f", nll), "ppl", fmt.Sprintf("%.4f", ppl))
	logNetStats(rc)
	return nil
}

func logNetStats(rc *rootContext) {
	if rc.network == nil {
		return
	}
	sent, recv := rc.network.Stats()
	rc.log.Info("network traffic", "sent", humanize.IBytes(sent), "recv", humanize.IBytes(recv))
}

func logPerf(rc *rootContext) {
	for _, p := range rc.root.LastPerf {
		rc.log.Info("node timing",
			"node", p.NodeIndex,
			"stage", p.StageIndex,
			"execUs", p.ExecUs,
			"syncUs", p.SyncUs)
	}
}
