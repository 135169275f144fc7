package pipeline

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Prompt names
const (
	PromptDomainExpert        = "domain_expert_system_prompt"
	PromptInterdisciplinary   = "interdisciplinary_expert_system_prompt"
	PromptPracticalEvaluate   = "practical_expert_evaluate_system_prompt"
	PromptInspirationChat     = "inspiration_chat_system_prompt"
	PromptQueryExplain        = "query_explain_system_prompt"
	PromptKnowledgeExtraction = "knowledge_extraction_system_prompt"
	promptFileExtension       = ".txt"
	drawingPromptTemplateFmt  = "Create a professional illustration showing %s being used by %s to achieve %s. " +
		"The image should be clean, modern, and visually appealing, suitable for a technical presentation or educational material."
)

// Prompts supplies system prompts by name
type Prompts interface {
	Prompt(name string) string
}

var builtinPrompts = map[string]string{
	PromptDomainExpert: "You are a domain expert. Using the analysed design query and the retrieved " +
		"research, propose design solutions. Reply with a JSON object {\"solutions\": [...]} where each " +
		"solution has \"Title\", \"Function\", \"Technical Method\" and \"Possible Results\".",
	PromptInterdisciplinary: "You are an interdisciplinary expert. Revise the given design solutions by " +
		"borrowing methods from other fields. Keep the same JSON shape {\"solutions\": [...]}.",
	PromptPracticalEvaluate: "You are a practical design evaluator. Assess and refine the given solutions " +
		"for feasibility. Keep the same JSON shape {\"solutions\": [...]} and add an \"Evaluation\" to each.",
	PromptInspirationChat: "You are a design assistant discussing an existing design inspiration with the user.",
	PromptQueryExplain: "You analyse design queries. Read the query and any context, then reply with a JSON " +
		"object with \"Query\" (the query restated), \"Requirement\" (a list of design requirements) and " +
		"\"Target User\" (who the design is for).",
	PromptKnowledgeExtraction: "You extract design knowledge from research papers. Reply with a JSON object " +
		"with \"Title\", \"Target Definition\", \"Contributions\", \"Results\" and \"Limitations\".",
}

// PromptSet serves prompts from a directory of <name>.txt files, falling
// back to built-in text for names the directory does not provide.
type PromptSet struct {
	prompts map[string]string
}

// LoadPrompts reads every known prompt from dir. An empty dir yields the
// built-in prompts only.
func LoadPrompts(dir string) (*PromptSet, error) {
	set := &PromptSet{prompts: make(map[string]string, len(builtinPrompts))}
	for name, text := range builtinPrompts {
		set.prompts[name] = text
	}
	if dir == "" {
		return set, nil
	}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open prompt directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("prompt path %s is not a directory", dir)
	}

	for name := range builtinPrompts {
		data, err := os.ReadFile(filepath.Join(dir, name+promptFileExtension))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read prompt %s: %w", name, err)
		}
		if text := strings.TrimSpace(string(data)); text != "" {
			set.prompts[name] = text
		}
	}
	return set, nil
}

// Prompt returns the named prompt, or "" when unknown
func (p *PromptSet) Prompt(name string) string {
	return p.prompts[name]
}

// drawingPrompt builds the image prompt for one sub-solution
func drawingPrompt(technicalMethod, targetUser, possibleResults string) string {
	return fmt.Sprintf(drawingPromptTemplateFmt, technicalMethod, targetUser, possibleResults)
}
