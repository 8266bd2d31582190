package tools

import (
	"context"
	"encoding/json"
	"strings"
)

var skillsListSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "category": {"type": "string", "description": "Restrict to one category."}
  }
}`)

var skillViewSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "name": {"type": "string", "description": "Skill name from skills_list."},
    "file_path": {"type": "string", "description": "A linked file inside the skill directory, relative to it."}
  },
  "required": ["name"]
}`)

func runSkillsCategories(_ context.Context, _ map[string]any, inv *Invocation) (string, error) {
	if inv == nil || inv.Skills == nil {
		return "", Failf("unavailable", "no skills library attached to this run")
	}
	cats, err := inv.Skills.Categories()
	if err != nil {
		return "", Failf("skills", "%v", err)
	}
	out := make([]map[string]any, 0, len(cats))
	for _, c := range cats {
		out = append(out, map[string]any{"name": c.Name, "skills": c.Skills})
	}
	return JSON(map[string]any{"categories": out}), nil
}

func runSkillsList(_ context.Context, args map[string]any, inv *Invocation) (string, error) {
	if inv == nil || inv.Skills == nil {
		return "", Failf("unavailable", "no skills library attached to this run")
	}
	category, _ := args["category"].(string)
	skills, err := inv.Skills.List(category)
	if err != nil {
		return "", Failf("skills", "%v", err)
	}
	out := make([]map[string]string, 0, len(skills))
	for _, s := range skills {
		out = append(out, map[string]string{
			"name":        s.Name,
			"description": s.Description,
			"category":    s.Category,
		})
	}
	return JSON(map[string]any{"skills": out}), nil
}

func runSkillView(_ context.Context, args map[string]any, inv *Invocation) (string, error) {
	if inv == nil || inv.Skills == nil {
		return "", Failf("unavailable", "no skills library attached to this run")
	}
	name, _ := args["name"].(string)
	if strings.TrimSpace(name) == "" {
		return "", Failf("invalid_arguments", "name is required")
	}

	if rel, _ := args["file_path"].(string); strings.TrimSpace(rel) != "" {
		content, err := inv.Skills.ViewFile(name, rel)
		if err != nil {
			return "", Failf("skills", "%v", err)
		}
		return JSON(map[string]any{"name": name, "file": rel, "content": content}), nil
	}

	skill, body, err := inv.Skills.View(name)
	if err != nil {
		return "", Failf("skills", "%v", err)
	}
	return JSON(map[string]any{
		"name":        skill.Name,
		"description": skill.Description,
		"category":    skill.Category,
		"content":     body,
	}), nil
}

func registerSkills(r *Registry) {
	r.MustRegister(Entry{
		Name:        "skills_categories",
		Toolset:     "skills",
		Description: "List skill categories. Start here, then skills_list, then skill_view.",
		Handler:     runSkillsCategories,
	})
	r.MustRegister(Entry{
		Name:        "skills_list",
		Toolset:     "skills",
		Description: "List available skills with their descriptions, optionally for one category.",
		Schema:      skillsListSchema,
		Handler:     runSkillsList,
	})
	r.MustRegister(Entry{
		Name:        "skill_view",
		Toolset:     "skills",
		Description: "Read a skill's full instructions, or a file it links to.",
		Schema:      skillViewSchema,
		Handler:     runSkillView,
	})
}
