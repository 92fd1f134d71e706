package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/runbench/runbench/entities"
	"github.com/runbench/runbench/execute"
	"github.com/sirupsen/logrus"
)

func init() {
	if os.Getenv("RUNBENCH_DEBUG") != "" {
		logrus.SetLevel(logrus.DebugLevel)
		logrus.SetOutput(os.Stdout)
	} else {
		logrus.SetLevel(logrus.FatalLevel)
		logrus.SetOutput(os.Stderr)
	}
}

func main() {
	var input string

	inputFile := os.Getenv("RUNBENCH_FILE")
	if inputFile == "" {
		scanner := bufio.NewScanner(os.Stdin)

		builder := strings.Builder{}
		for scanner.Scan() {
			builder.WriteString(scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			logrus.WithError(err).Fatal("Error reading from stdin")
		}

		input = builder.String()
	} else {
		data, err := os.ReadFile(inputFile)
		if err != nil {
			logrus.WithError(err).Fatalf("Error reading input file: %s", inputFile)
		}
		input = string(data)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(input), &payload); err != nil {
		logrus.WithError(err).Fatal("Error unmarshalling the input")
	}

	var spec entities.RunSpec
	if err := mapstructure.Decode(payload, &spec); err != nil {
		logrus.WithError(err).Fatal("Error unmarshalling the input")
	}

	validate := validator.New()
	if err := validate.Struct(spec); err != nil {
		logrus.WithError(err).Fatal("Invalid run spec")
	}

	executor, err := execute.New(execute.Options{User: spec.RunAsUser()})
	if err != nil {
		logrus.WithError(err).Fatal("Error preparing the executor")
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		executor.Stop()
	}()

	result, err := executor.Execute(&spec)
	if err != nil {
		logrus.WithError(err).Fatal("Error executing the command")
	}

	for _, value := range result.Values() {
		fmt.Printf("%s=%s\n", value.Key, value.Value)
	}
}
