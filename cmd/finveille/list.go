package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/finveille/news"
)

var (
	listKeyword  string
	listSource   string
	listCategory string
	listFrom     string
	listTo       string
	listLimit    int
	listOffset   int
	listJSON     bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List records from the main store",
	RunE:  runList,
}

func init() {
	listCmd.Flags().StringVar(&listKeyword, "keyword", "", "match title, content or keywords")
	listCmd.Flags().StringVar(&listSource, "source", "", "restrict to one crawler source")
	listCmd.Flags().StringVar(&listCategory, "category", "", "restrict to one category")
	listCmd.Flags().StringVar(&listFrom, "from", "", "earliest pub_time (ISO 8601)")
	listCmd.Flags().StringVar(&listTo, "to", "", "latest pub_time (ISO 8601)")
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 20, "maximum number of records")
	listCmd.Flags().IntVar(&listOffset, "offset", 0, "pagination offset")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "output records as JSON")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, _ []string) error {
	if err := app.main.Init(cmd.Context()); err != nil {
		return err
	}
	f := news.Filters{
		Keyword:  listKeyword,
		Source:   listSource,
		Category: listCategory,
		DateFrom: listFrom,
		DateTo:   listTo,
	}
	recs, err := app.main.Query(cmd.Context(), f, listLimit, listOffset)
	if err != nil {
		return err
	}

	if listJSON {
		data, err := json.MarshalIndent(recs, "", "  ")
		if err != nil {
			return err
		}
		cmd.Println(string(data))
		return nil
	}

	if len(recs) == 0 {
		cmd.Println("No records.")
		return nil
	}
	for _, r := range recs {
		cmd.Println(fmt.Sprintf("%s  %-10s  %s  %s", r.ID, r.Source, r.PubTime, r.Title))
	}
	return nil
}
