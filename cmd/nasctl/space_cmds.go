package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"nasfront/internal/space"
)

func newScopeCmd(a *app) *cobra.Command {
	var (
		spacePath  string
		showSchema bool
	)
	cmd := &cobra.Command{
		Use:   "scope",
		Short: "Describe a search space: topology, shapes and channel classes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			def, err := a.loadDefinition(spacePath)
			if err != nil {
				return err
			}
			s, input, err := def.Build(space.WithLogger(a.log))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			// Shapes come from the current value of every searchable argument.
			inst, inferErr := s.InferParameters(input, space.NewContext(nil))
			dims := s.GetConfigDims()
			for _, n := range s.TopologicalSort() {
				preds := s.Predecessors(n.Name)
				inputs := make([]string, len(preds))
				for i, p := range preds {
					inputs[i] = p.Name
				}
				searchable := make([]string, 0, len(dims[n.Name]))
				for arg := range dims[n.Name] {
					searchable = append(searchable, arg)
				}
				sort.Strings(searchable)
				shape := "-"
				if inst != nil {
					if o, ok := inst.Outputs[n.Name]; ok {
						shape = o.String()
					}
				}
				fmt.Fprintf(out, "node=%s kind=%s inputs=%s searchable=%s output=%s\n",
					n.Name, n.Kind, joinOrDash(inputs), joinOrDash(searchable), shape)
			}
			if inferErr != nil {
				fmt.Fprintf(out, "infer_error=%q\n", inferErr.Error())
			}
			for i, class := range space.NewConstrainer(s).Classes() {
				fmt.Fprintf(out, "channel_class=%d symbols=%s\n", i, strings.Join(class, ","))
			}

			if showSchema {
				schema, err := s.Schema()
				if err != nil {
					return err
				}
				data, err := yaml.Marshal(schema)
				if err != nil {
					return err
				}
				fmt.Fprint(out, string(data))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&spacePath, "space", "", "search space definition (YAML)")
	cmd.Flags().BoolVar(&showSchema, "schema", false, "also print the sampler schema")
	return cmd
}

func newSolveCmd(a *app) *cobra.Command {
	var (
		spacePath string
		sets      []string
		policy    string
	)
	cmd := &cobra.Command{
		Use:   "solve",
		Short: "Solve output channels for the current configuration",
		Long: "Solve output channels starting from the current value of every searchable\n" +
			"argument. --set node=channels pins the output channels of a node.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			def, err := a.loadDefinition(spacePath)
			if err != nil {
				return err
			}
			s, input, err := def.Build(space.WithLogger(a.log))
			if err != nil {
				return err
			}
			setTo, err := parseSets(sets)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("policy") {
				policy = a.cfg.Search.ConstraintPolicy
			}
			p, err := space.ParsePolicy(policy)
			if err != nil {
				return err
			}

			c := space.NewConstrainer(s, space.WithPolicy(p), space.WithConstrainerLogger(a.log))
			res, err := c.ConstrainOutputChannels(s.CurrentConfig(), setTo)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			flat := space.FlattenConfig(res.Config)
			keys := make([]string, 0, len(flat))
			for k := range flat {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(out, "%s=%v\n", k, flat[k])
			}
			for _, sym := range res.Coerced {
				fmt.Fprintf(out, "coerced=%s\n", sym)
			}
			inst, err := s.InferParameters(input, space.NewContext(res.Config))
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "output=%s\n", inst.Output)
			return nil
		},
	}
	cmd.Flags().StringVar(&spacePath, "space", "", "search space definition (YAML)")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "node=channels (repeatable)")
	cmd.Flags().StringVar(&policy, "policy", "", "reject|coerce (defaults to the configured policy)")
	return cmd
}

func newTopologyCmd(a *app) *cobra.Command {
	var (
		maxPaths int
		maxNodes int
		draws    int
		seed     int64
		shared   bool
	)
	cmd := &cobra.Command{
		Use:   "topology",
		Short: "Enumerate cell paths and draw random cell DAGs",
		Long: "Cells are numbered 0..nodes-1 and densely connected forward. A drawn DAG is\n" +
			"the union of --paths source-to-sink paths picked with replacement.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := []space.ConnectivityOption{
				space.WithConnectivitySeed(seed),
				space.WithConnectivityLogger(a.log),
			}
			if shared {
				opts = append(opts, space.WithSharedDAG())
			}
			c, err := space.NewConnectivityConstrainer(maxPaths, maxNodes, opts...)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "paths=%d\n", len(c.Paths()))
			for i, p := range c.Paths() {
				fmt.Fprintf(out, "path=%d edges=%s\n", i, formatEdges(p))
			}
			for i := 0; i < draws; i++ {
				dag := c.RandomDAG()
				cells := make([]string, len(dag.Nodes))
				for j, n := range dag.Nodes {
					cells[j] = strconv.Itoa(n)
				}
				fmt.Fprintf(out, "dag=%d cells=%s edges=%s\n", i, strings.Join(cells, ","), formatEdges(dag.Edges))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&maxPaths, "paths", 2, "parallel paths per DAG")
	cmd.Flags().IntVar(&maxNodes, "nodes", 4, "cells in the dense DAG")
	cmd.Flags().IntVar(&draws, "draws", 1, "random DAGs to draw")
	cmd.Flags().Int64Var(&seed, "seed", 1, "random seed")
	cmd.Flags().BoolVar(&shared, "shared", false, "reuse the first drawn DAG")
	return cmd
}

func formatEdges(edges []space.Edge) string {
	if len(edges) == 0 {
		return "-"
	}
	parts := make([]string, len(edges))
	for i, e := range edges {
		parts[i] = fmt.Sprintf("%d->%d", e.From, e.To)
	}
	return strings.Join(parts, ",")
}

func parseSets(sets []string) (map[string]int, error) {
	out := make(map[string]int, len(sets))
	for _, set := range sets {
		node, value, ok := strings.Cut(set, "=")
		if !ok || node == "" {
			return nil, fmt.Errorf("invalid --set %q: expected node=channels", set)
		}
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid --set %q: channels must be a positive integer", set)
		}
		out[space.Symbol(node)] = n
	}
	return out, nil
}

func joinOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ",")
}
