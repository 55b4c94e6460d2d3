package domain

var Tables = []interface{}{
	&Instance{},
	&Message{},
	&WebhookLog{},
}
