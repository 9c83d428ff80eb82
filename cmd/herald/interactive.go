package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/kadirpekel/herald/pkg/models"
	"github.com/kadirpekel/herald/pkg/runtime"
)

const decisionPrompt = "[a]pprove  [e]dit  [g]enerate again  [r]eject > "

// processOnce handles --input: one request through the pipeline, then the
// approval dialog. Without a terminal the draft is printed and left
// unexecuted; a pipe cannot approve.
func processOnce(ctx context.Context, rt *runtime.Runtime, input string) error {
	interp, findings, err := rt.Process(ctx, input)
	if err != nil {
		return err
	}
	renderInterpretation(os.Stdout, rt, interp, findings)

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Println("No terminal attached; request drafted but not executed.")
		return nil
	}
	return decide(ctx, rt, bufio.NewReader(os.Stdin))
}

// interactiveLoop reads requests until EOF or interrupt.
func interactiveLoop(ctx context.Context, rt *runtime.Runtime) error {
	fmt.Println("herald ready. Describe a fleet request, or press Ctrl-D to quit.")
	in := bufio.NewReader(os.Stdin)

	for {
		fmt.Print("> ")
		line, err := in.ReadString('\n')
		if err == io.EOF {
			fmt.Println()
			return nil
		}
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		text := strings.TrimSpace(line)
		if text == "" {
			continue
		}

		interp, findings, err := rt.Process(ctx, text)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		renderInterpretation(os.Stdout, rt, interp, findings)

		if err := decide(ctx, rt, in); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Printf("error: %v\n", err)
		}
	}
}

// decide walks one drafted request through the approval dialog.
func decide(ctx context.Context, rt *runtime.Runtime, in *bufio.Reader) error {
	approval := rt.Approval()

	for {
		fmt.Print(decisionPrompt)
		line, err := in.ReadString('\n')
		if err == io.EOF {
			fmt.Println()
			return nil
		}
		if err != nil {
			return err
		}

		switch strings.ToLower(strings.TrimSpace(line)) {
		case "a", "approve":
			if err := approval.Approve(); err != nil {
				fmt.Printf("cannot approve: %v\n", err)
				continue
			}
			if err := rt.ExecuteApproved(ctx); err != nil {
				fmt.Printf("execution failed: %v\n", err)
				return nil
			}
			fmt.Println("Request executed.")
			return nil

		case "e", "edit":
			if err := editField(approval, in); err != nil {
				fmt.Printf("edit failed: %v\n", err)
			}

		case "g", "generate":
			feedback := readLine(in, "What should change? ")
			text, err := approval.Regenerate(feedback)
			if err != nil {
				fmt.Printf("cannot regenerate: %v\n", err)
				continue
			}
			interp, findings, err := rt.Process(ctx, text)
			if err != nil {
				return err
			}
			renderInterpretation(os.Stdout, rt, interp, findings)

		case "r", "reject":
			feedback := readLine(in, "Reason (optional): ")
			if err := approval.Reject(feedback); err != nil {
				fmt.Printf("cannot reject: %v\n", err)
				continue
			}
			fmt.Println("Request rejected.")
			return nil

		default:
			fmt.Println("Please answer a, e, g, or r.")
		}
	}
}

func editField(approval interface {
	Edit(mutate func(request map[string]any)) ([]models.ValidationFinding, error)
}, in *bufio.Reader) error {
	assignment := readLine(in, "field=value: ")
	field, value, ok := strings.Cut(assignment, "=")
	if !ok {
		return fmt.Errorf("expected field=value, got %q", assignment)
	}
	field = strings.TrimSpace(field)
	value = strings.TrimSpace(value)

	findings, err := approval.Edit(func(request map[string]any) {
		request[field] = value
	})
	if err != nil {
		return err
	}
	renderFindings(os.Stdout, findings)
	return nil
}

func readLine(in *bufio.Reader, prompt string) string {
	fmt.Print(prompt)
	line, _ := in.ReadString('\n')
	return strings.TrimSpace(line)
}

func renderInterpretation(w io.Writer, rt *runtime.Runtime, interp *models.Interpretation, findings []models.ValidationFinding) {
	fmt.Fprintf(w, "\nIntent: %s (confidence %.2f, %s)\n",
		interp.Intent, interp.OverallConfidence, models.BandFor(interp.OverallConfidence))

	if latest := rt.Engine().Latest(); latest != nil && latest.RequestID == interp.ID {
		for _, step := range latest.Steps {
			fmt.Fprintf(w, "  %s: %s\n", step.Name, step.Narrative)
		}
	}

	fmt.Fprintf(w, "Template: %s\n", interp.TemplateName)
	if body, err := json.MarshalIndent(interp.Request, "", "  "); err == nil {
		fmt.Fprintf(w, "Request:\n%s\n", body)
	}
	renderFindings(w, findings)

	if clarify := rt.Clarification(interp); clarify != "" {
		fmt.Fprintf(w, "\n%s\n", clarify)
	}
}

func renderFindings(w io.Writer, findings []models.ValidationFinding) {
	if len(findings) == 0 {
		fmt.Fprintln(w, "Validation: clean")
		return
	}
	fmt.Fprintln(w, "Validation:")
	for _, f := range findings {
		fmt.Fprintf(w, "  [%s] %s: %s\n", f.Severity, f.Field, f.Message)
	}
	if n := models.CountErrors(findings); n > 0 {
		fmt.Fprintf(w, "%d blocking finding(s); edit before approving.\n", n)
	}
}
