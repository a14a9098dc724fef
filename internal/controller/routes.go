package controller

import "github.com/go-chi/chi/v5"

// Mount registers the campaign and send routes on r.
func Mount(r chi.Router, campaigns *CampaignController, messages *MessageController) {
	r.Post("/campaigns", campaigns.CreateCampaign)
	r.Get("/campaigns", campaigns.ListCampaigns)
	r.Post("/campaigns/send/{apiKey}", messages.SendMessage)
	r.Get("/campaigns/{id}", campaigns.GetCampaignDetails)
	r.Patch("/campaigns/{id}/status", campaigns.UpdateStatus)
	r.Post("/campaigns/{id}/start", campaigns.StartCampaign)
	r.Post("/campaigns/{id}/personalized-preview", campaigns.PersonalizedPreview)
}
