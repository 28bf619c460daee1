package compat

import (
	"sort"

	"tether-engine/internal/models"
)

// 加权系数（合计 1.0）
const (
	weightTimezone       = 0.15
	weightCommunication  = 0.20
	weightTopics         = 0.25
	weightAvailability   = 0.15
	weightSpecialization = 0.10
	weightPersonality    = 0.10
	weightExperience     = 0.05
)

// 沟通风格的顺序，相邻风格给部分分
var styleOrder = map[string]int{
	"casual":   0,
	"balanced": 1,
	"formal":   2,
}

// Score 计算两份偏好的兼容性结果
// 纯函数：相同输入必然产生相同输出，无副作用
func Score(a, b *models.PreferenceProfile) *models.CompatibilityResult {
	result := &models.CompatibilityResult{
		Timezone:           timezoneScore(a.TimezoneOffset, b.TimezoneOffset),
		CommunicationStyle: communicationScore(a.CommunicationStyle, b.CommunicationStyle),
		TopicOverlap:       topicScore(a, b),
		Availability:       availabilityScore(a, b),
		Specialization:     jaccard(a.Specialties, b.Specialties),
		Personality:        models.Clamp01((a.PersonalitySignal + b.PersonalitySignal) / 2),
		Experience:         models.Clamp01((a.ExperienceSignal + b.ExperienceSignal) / 2),
		SharedInterests:    intersect(a.SupportTopics, b.SupportTopics),
		SharedLanguages:    intersect(a.Languages, b.Languages),
	}

	result.Score = models.Clamp01(
		weightTimezone*result.Timezone +
			weightCommunication*result.CommunicationStyle +
			weightTopics*result.TopicOverlap +
			weightAvailability*result.Availability +
			weightSpecialization*result.Specialization +
			weightPersonality*result.Personality +
			weightExperience*result.Experience,
	)

	return result
}

// timezoneScore 1 − 归一化小时偏移距离，跨日界线取短边
func timezoneScore(offsetA, offsetB int) float64 {
	diff := offsetA - offsetB
	if diff < 0 {
		diff = -diff
	}
	if diff > 12 {
		diff = 24 - diff
	}
	return models.Clamp01(1 - float64(diff)/12)
}

// communicationScore 相同或任一方 mixed 得满分，相邻风格得 0.5
func communicationScore(styleA, styleB string) float64 {
	if styleA == "" || styleB == "" {
		return 0
	}
	if styleA == styleB || styleA == "mixed" || styleB == "mixed" {
		return 1
	}
	oa, okA := styleOrder[styleA]
	ob, okB := styleOrder[styleB]
	if !okA || !okB {
		return 0
	}
	diff := oa - ob
	if diff < 0 {
		diff = -diff
	}
	if diff == 1 {
		return 0.5
	}
	return 0
}

// topicScore 支持话题 Jaccard；计算前剔除落入对方 trigger-warning 列表的话题
func topicScore(a, b *models.PreferenceProfile) float64 {
	topicsA := exclude(a.SupportTopics, b.TriggerWarnings)
	topicsB := exclude(b.SupportTopics, a.TriggerWarnings)
	return jaccard(topicsA, topicsB)
}

// availabilityScore 可用时段按小时集合求 Jaccard（支持跨午夜窗口）
func availabilityScore(a, b *models.PreferenceProfile) float64 {
	hoursA := windowHours(a.AvailabilityStart, a.AvailabilityEnd)
	hoursB := windowHours(b.AvailabilityStart, b.AvailabilityEnd)
	if len(hoursA) == 0 || len(hoursB) == 0 {
		return 0
	}

	var both, either int
	for h := 0; h < 24; h++ {
		inA := hoursA[h]
		inB := hoursB[h]
		if inA && inB {
			both++
		}
		if inA || inB {
			either++
		}
	}
	if either == 0 {
		return 0
	}
	return float64(both) / float64(either)
}

// windowHours 将 [start, end) 窗口展开为小时集合，start == end 表示空窗口
func windowHours(start, end int) [24]bool {
	var hours [24]bool
	if start < 0 || start > 23 || end < 0 || end > 23 || start == end {
		return hours
	}
	for h := start; h != end; h = (h + 1) % 24 {
		hours[h] = true
	}
	return hours
}

// jaccard |交集| / |并集|，并集为空时为 0
func jaccard(setA, setB []string) float64 {
	inA := make(map[string]bool)
	for _, s := range setA {
		inA[s] = true
	}
	inB := make(map[string]bool)
	for _, s := range setB {
		inB[s] = true
	}

	union := len(inA)
	var both int
	for s := range inB {
		if inA[s] {
			both++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(both) / float64(union)
}

// intersect 返回排序后的交集（结果顺序确定，保证可测性）
func intersect(setA, setB []string) []string {
	inA := make(map[string]bool)
	for _, s := range setA {
		inA[s] = true
	}
	seen := make(map[string]bool)
	var out []string
	for _, s := range setB {
		if inA[s] && !seen[s] {
			out = append(out, s)
			seen[s] = true
		}
	}
	sort.Strings(out)
	return out
}

// exclude 从 set 中剔除出现在 blocked 中的元素
func exclude(set, blocked []string) []string {
	block := make(map[string]bool)
	for _, s := range blocked {
		block[s] = true
	}
	var out []string
	for _, s := range set {
		if !block[s] {
			out = append(out, s)
		}
	}
	return out
}
